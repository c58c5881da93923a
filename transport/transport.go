package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/decred/slog"
	"github.com/vctt94/stakeboard/wire"
)

// Path identifies which channel carried a message.
type Path string

const (
	PathDirect Path = "direct"
	PathRelay  Path = "relay"
)

// Channel is a bidirectional message pipe to the opponent. Implementations
// deliver best-effort: duplication and loss are both possible, which is why
// everything that matters is re-derivable from the durable move log.
type Channel interface {
	Send(ctx context.Context, msg *wire.GameMessage) error
	// Recv yields inbound messages. The channel is closed by Close.
	Recv() <-chan *wire.GameMessage
	Healthy() bool
	Close() error
}

// Dispatcher fronts the two peer channels. Sends prefer the direct path
// and fall back to the relay without surfacing the failure to gameplay;
// inbound traffic from both paths is fanned into one stream, with
// duplicates (the same message arriving on both paths) dropped.
type Dispatcher struct {
	direct Channel // may be nil when no direct channel was negotiated
	relay  Channel
	log    slog.Logger

	out  chan *wire.GameMessage
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	seen     map[string]struct{}
	seenRing []string
	lastPath Path
}

// seenCap bounds the duplicate-suppression window. Messages repeat only
// when both paths deliver close together, so a small window suffices.
const seenCap = 128

func NewDispatcher(direct, relay Channel, log slog.Logger) *Dispatcher {
	d := &Dispatcher{
		direct:   direct,
		relay:    relay,
		log:      log,
		out:      make(chan *wire.GameMessage, 64),
		quit:     make(chan struct{}),
		seen:     make(map[string]struct{}),
		lastPath: PathRelay,
	}
	if direct != nil {
		d.wg.Add(1)
		go d.pump(direct, PathDirect)
	}
	d.wg.Add(1)
	go d.pump(relay, PathRelay)
	return d
}

// Send delivers msg to the opponent. A direct-path failure downgrades to
// the relay silently; only a failure of both paths is reported.
func (d *Dispatcher) Send(ctx context.Context, msg *wire.GameMessage) error {
	if d.direct != nil && d.direct.Healthy() {
		if err := d.direct.Send(ctx, msg); err == nil {
			d.notePath(PathDirect)
			return nil
		} else {
			d.log.Debugf("direct send failed, falling back to relay: %v", err)
		}
	}
	if err := d.relay.Send(ctx, msg); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	d.notePath(PathRelay)
	return nil
}

// Recv is the fanned-in inbound stream from both paths.
func (d *Dispatcher) Recv() <-chan *wire.GameMessage {
	return d.out
}

// LastPath reports which path the most recent successful send used.
func (d *Dispatcher) LastPath() Path {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPath
}

// DirectHealthy reports whether the direct channel is currently usable.
func (d *Dispatcher) DirectHealthy() bool {
	return d.direct != nil && d.direct.Healthy()
}

func (d *Dispatcher) Close() error {
	close(d.quit)
	if d.direct != nil {
		d.direct.Close()
	}
	d.relay.Close()
	d.wg.Wait()
	close(d.out)
	return nil
}

func (d *Dispatcher) notePath(p Path) {
	d.mu.Lock()
	d.lastPath = p
	d.mu.Unlock()
}

func (d *Dispatcher) pump(ch Channel, path Path) {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case msg, ok := <-ch.Recv():
			if !ok {
				return
			}
			if msg.Type == wire.MsgHeartbeat {
				continue
			}
			if d.duplicate(msg) {
				d.log.Tracef("dropping duplicate %s from %s path", msg.Type, path)
				continue
			}
			select {
			case d.out <- msg:
			case <-d.quit:
				return
			}
		}
	}
}

// duplicate records the message key and reports whether it was seen
// before. Keys include the hash for moves, so distinct moves for the same
// turn (a losing race echo) are not suppressed.
func (d *Dispatcher) duplicate(msg *wire.GameMessage) bool {
	key := fmt.Sprintf("%s|%s|%d|%s|%s", msg.Type, msg.From, msg.Turn, msg.MoveHash, msg.Text)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	d.seenRing = append(d.seenRing, key)
	if len(d.seenRing) > seenCap {
		delete(d.seen, d.seenRing[0])
		d.seenRing = d.seenRing[1:]
	}
	return false
}
