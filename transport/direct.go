package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/quic-go/quic-go"
	"github.com/vctt94/stakeboard/wire"
)

const (
	directALPN     = "stakeboard"
	heartbeatEvery = 5 * time.Second
	deadAfter      = 15 * time.Second
	maxRedials     = 5
	maxFrameSize   = 1 << 20
)

// redialBackoff is the wait before redial attempt n (1-based): 1, 2, 4,
// 8, 16 seconds.
func redialBackoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// Initiator elects which side dials the direct channel. Both peers
// evaluate it locally and reach the same answer, so there is no
// negotiation round trip.
func Initiator(selfWallet, peerWallet string) bool {
	return strings.ToLower(selfWallet) < strings.ToLower(peerWallet)
}

// DirectConfig describes one end of a peer-to-peer channel.
type DirectConfig struct {
	RoomID     string
	SelfWallet string
	PeerWallet string

	// PeerAddr is dialed by the initiator; ListenAddr is bound by the
	// responder. Exactly one of them is used per side.
	PeerAddr   string
	ListenAddr string

	// TLS for the responder's listener. Peer certificates are not
	// wallet-bound; authenticity comes from move signatures and the
	// durable log, the channel only needs confidentiality.
	TLS *tls.Config

	Log slog.Logger
}

// DirectChannel is the low-latency QUIC path between the two players.
// Liveness is tracked with heartbeats; a silent peer is declared dead and
// the initiator redials with capped backoff. All of this is invisible to
// gameplay, which falls back to the relay whenever Healthy is false.
type DirectChannel struct {
	sync.RWMutex

	cfg DirectConfig
	log slog.Logger

	ln     *quic.Listener
	conn   *quic.Conn
	stream *quic.Stream

	lastSeen time.Time
	up       bool

	recv chan *wire.GameMessage
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDirectChannel starts one end of the channel. The responder binds its
// listener before returning, so BoundAddr is immediately usable.
func NewDirectChannel(cfg DirectConfig) (*DirectChannel, error) {
	d := &DirectChannel{
		cfg:  cfg,
		log:  cfg.Log,
		recv: make(chan *wire.GameMessage, 64),
		quit: make(chan struct{}),
	}
	if Initiator(cfg.SelfWallet, cfg.PeerWallet) {
		if cfg.PeerAddr == "" {
			return nil, fmt.Errorf("initiator needs a peer address")
		}
		d.wg.Add(1)
		go d.runInitiator()
		return d, nil
	}

	tlsConf := cfg.TLS
	if tlsConf == nil {
		var err error
		tlsConf, err = SelfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, &quic.Config{
		MaxIdleTimeout:  deadAfter * 2,
		KeepAlivePeriod: heartbeatEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("direct listen: %w", err)
	}
	d.ln = ln
	d.wg.Add(1)
	go d.runResponder()
	return d, nil
}

// BoundAddr is the responder's listen address, for exchange through the
// room channel during setup.
func (d *DirectChannel) BoundAddr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

func (d *DirectChannel) runInitiator() {
	defer d.wg.Done()
	attempt := 0
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		conn, stream, err := d.dial()
		if err != nil {
			attempt++
			if attempt > maxRedials {
				d.log.Infof("direct channel to %s gave up after %d attempts, relay only",
					d.cfg.PeerWallet, maxRedials)
				return
			}
			wait := redialBackoff(attempt)
			d.log.Debugf("direct dial attempt %d failed: %v, retrying in %s", attempt, err, wait)
			select {
			case <-time.After(wait):
				continue
			case <-d.quit:
				return
			}
		}
		attempt = 0
		d.serve(conn, stream)
	}
}

func (d *DirectChannel) runResponder() {
	defer d.wg.Done()
	for {
		ctx, cancel := d.quitCtx()
		conn, err := d.ln.Accept(ctx)
		cancel()
		if err != nil {
			return // listener closed
		}
		ctx, cancel = d.quitCtx()
		stream, err := conn.AcceptStream(ctx)
		cancel()
		if err != nil {
			conn.CloseWithError(0, "no stream")
			continue
		}
		d.serve(conn, stream)
	}
}

func (d *DirectChannel) quitCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-d.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (d *DirectChannel) dial() (*quic.Conn, *quic.Stream, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, d.cfg.PeerAddr, &tls.Config{
		// Peer identity is proven by signatures over the move chain,
		// not by the channel certificate.
		InsecureSkipVerify: true,
		NextProtos:         []string{directALPN},
	}, &quic.Config{
		MaxIdleTimeout:  deadAfter * 2,
		KeepAlivePeriod: heartbeatEvery,
	})
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, nil, err
	}
	return conn, stream, nil
}

// serve runs one established connection until it dies: a reader feeding
// recv, a heartbeat writer, and a staleness check.
func (d *DirectChannel) serve(conn *quic.Conn, stream *quic.Stream) {
	d.Lock()
	d.conn = conn
	d.stream = stream
	d.lastSeen = time.Now()
	d.up = true
	d.Unlock()
	d.log.Debugf("direct channel to %s established", d.cfg.PeerWallet)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			data, err := readFrame(stream)
			if err != nil {
				return
			}
			msg, err := wire.DecodeMessage(data)
			if err != nil {
				d.log.Warnf("direct: dropping malformed frame: %v", err)
				continue
			}
			d.Lock()
			d.lastSeen = time.Now()
			d.Unlock()
			select {
			case d.recv <- msg:
			case <-d.quit:
				return
			default:
				d.log.Warnf("direct: inbound buffer full, dropping %s", msg.Type)
			}
		}
	}()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	hb := &wire.GameMessage{
		Type:   wire.MsgHeartbeat,
		RoomID: d.cfg.RoomID,
		From:   d.cfg.SelfWallet,
		SentAt: time.Now().UTC(),
	}
	// Immediate hello so the peer's stream accept fires right away
	// instead of waiting out the first tick.
	d.writeMsg(hb)
loop:
	for {
		select {
		case <-d.quit:
			break loop
		case <-done:
			break loop
		case <-ticker.C:
			hb.SentAt = time.Now().UTC()
			if err := d.writeMsg(hb); err != nil {
				break loop
			}
			d.RLock()
			stale := time.Since(d.lastSeen) > deadAfter
			d.RUnlock()
			if stale {
				d.log.Debugf("direct channel to %s silent for %s, declaring dead",
					d.cfg.PeerWallet, deadAfter)
				break loop
			}
		}
	}

	d.Lock()
	d.up = false
	d.conn = nil
	d.stream = nil
	d.Unlock()
	conn.CloseWithError(0, "bye")
	<-done
}

func (d *DirectChannel) writeMsg(msg *wire.GameMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	d.Lock()
	defer d.Unlock()
	if !d.up || d.stream == nil {
		return fmt.Errorf("direct channel down")
	}
	return writeFrame(d.stream, data)
}

func (d *DirectChannel) Send(ctx context.Context, msg *wire.GameMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.writeMsg(msg)
}

func (d *DirectChannel) Recv() <-chan *wire.GameMessage { return d.recv }

func (d *DirectChannel) Healthy() bool {
	d.RLock()
	defer d.RUnlock()
	return d.up && time.Since(d.lastSeen) <= deadAfter
}

func (d *DirectChannel) Close() error {
	close(d.quit)
	d.Lock()
	if d.conn != nil {
		d.conn.CloseWithError(0, "closing")
	}
	d.Unlock()
	if d.ln != nil {
		d.ln.Close()
	}
	d.wg.Wait()
	close(d.recv)
	return nil
}

// Frames are a 4-byte big-endian length followed by the encoded message.

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SelfSignedTLSConfig builds an in-memory certificate for the responder's
// listener. Good enough because the channel carries no trust: see
// DirectConfig.TLS.
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"stakeboard"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos: []string{directALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}
