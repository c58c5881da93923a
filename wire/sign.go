package wire

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Signer is the wallet signing interface. Implementations may prompt a
// user, so SignDigest can fail with a recoverable "declined" error.
type Signer interface {
	// SignDigest signs a 32-byte digest and returns the 64-byte
	// EC-Schnorr-DCRv0 signature.
	SignDigest(digest [32]byte) ([]byte, error)
	// PubKeyHex returns the wallet identity: lowercase hex of the
	// 33-byte compressed public key.
	PubKeyHex() string
}

// KeySigner signs with an in-memory private key. Used by tests and bots;
// interactive wallets supply their own Signer.
type KeySigner struct {
	priv *secp256k1.PrivateKey
}

func NewKeySigner(privHex string) (*KeySigner, error) {
	b, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, fmt.Errorf("bad privkey hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("privkey must be 32 bytes")
	}
	return &KeySigner{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*KeySigner, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeySigner{priv: priv}, nil
}

func (k *KeySigner) SignDigest(digest [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

func (k *KeySigner) PubKeyHex() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// VerifyDigest checks a 64-byte schnorr signature over digest against a
// wallet identity (hex compressed pubkey).
func VerifyDigest(pubHex string, digest [32]byte, sig []byte) error {
	pb, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil || len(pb) != 33 {
		return fmt.Errorf("bad wallet pubkey")
	}
	pub, err := schnorr.ParsePubKey(pb)
	if err != nil {
		return fmt.Errorf("parse wallet pubkey: %w", err)
	}
	sobj, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !sobj.Verify(digest[:], pub) {
		return fmt.Errorf("signature verify failed")
	}
	return nil
}
