package server

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/vctt94/stakeboard/wire"
)

// newLedgerSigner loads the ledger signing key from the data dir,
// generating and persisting one on first run so receipts stay verifiable
// across restarts.
func newLedgerSigner(dir string) (*wire.KeySigner, error) {
	path := filepath.Join(dir, "ledger.key")
	if b, err := os.ReadFile(path); err == nil {
		return wire.NewKeySigner(string(b))
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ledger key: %w", err)
	}
	keyHex := hex.EncodeToString(priv.Serialize())
	if err := os.WriteFile(path, []byte(keyHex), 0600); err != nil {
		return nil, fmt.Errorf("persist ledger key: %w", err)
	}
	return wire.NewKeySigner(keyHex)
}
