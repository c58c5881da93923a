package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/nats-io/nats.go"
	"github.com/vctt94/stakeboard/wire"
)

// Subject layout. Peer subjects carry player-to-player traffic relayed
// through the broker; the events subject carries server-authoritative
// fan-out (committed moves, status changes, settlement).
func PeerSubject(roomID, wallet string) string {
	return fmt.Sprintf("stakeboard.room.%s.peer.%s", roomID, strings.ToLower(wallet))
}

func EventsSubject(roomID string) string {
	return fmt.Sprintf("stakeboard.room.%s.events", roomID)
}

// EventKind discriminates server push events.
type EventKind string

const (
	EventMoveCommitted EventKind = "move_committed"
	EventStatusChanged EventKind = "status_changed"
	EventStrike        EventKind = "strike"
	EventEliminated    EventKind = "eliminated"
	EventSettled       EventKind = "settled"
)

// Event is the server-authoritative room broadcast. Clients treat
// EventMoveCommitted as advisory ("a new turn may exist") and confirm
// against the move log before applying anything out of order.
type Event struct {
	Kind    EventKind  `json:"kind"`
	RoomID  string     `json:"room_id"`
	Move    *wire.Move `json:"move,omitempty"`
	Wallet  string     `json:"wallet,omitempty"`  // strike / elimination subject
	Status  string     `json:"status,omitempty"`  // status_changed
	Strikes int        `json:"strikes,omitempty"` // strike
	Winner  string     `json:"winner,omitempty"`  // settled
	Outcome string     `json:"outcome,omitempty"` // settled
	At      time.Time  `json:"at"`
}

func (e *Event) Encode() ([]byte, error) { return json.Marshal(e) }

func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// RelayChannel is the broker-backed fallback path between two players. It
// is always available while the broker is, so gameplay survives peers that
// cannot reach each other directly.
type RelayChannel struct {
	nc     *nats.Conn
	log    slog.Logger
	roomID string
	peer   string

	sub  *nats.Subscription
	recv chan *wire.GameMessage
	quit chan struct{}
}

func NewRelayChannel(nc *nats.Conn, log slog.Logger, roomID, selfWallet, peerWallet string) (*RelayChannel, error) {
	c := &RelayChannel{
		nc:     nc,
		log:    log,
		roomID: roomID,
		peer:   peerWallet,
		recv:   make(chan *wire.GameMessage, 64),
		quit:   make(chan struct{}),
	}
	sub, err := nc.Subscribe(PeerSubject(roomID, selfWallet), func(m *nats.Msg) {
		msg, err := wire.DecodeMessage(m.Data)
		if err != nil {
			log.Warnf("relay: dropping malformed frame on %s: %v", m.Subject, err)
			return
		}
		select {
		case c.recv <- msg:
		case <-c.quit:
		default:
			log.Warnf("relay: inbound buffer full, dropping %s", msg.Type)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *RelayChannel) Send(ctx context.Context, msg *wire.GameMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.nc.Publish(PeerSubject(c.roomID, c.peer), data)
}

func (c *RelayChannel) Recv() <-chan *wire.GameMessage { return c.recv }

func (c *RelayChannel) Healthy() bool {
	return c.nc.Status() == nats.CONNECTED
}

func (c *RelayChannel) Close() error {
	close(c.quit)
	var err error
	if c.sub != nil {
		err = c.sub.Unsubscribe()
	}
	close(c.recv)
	return err
}

// SubscribeEvents delivers server push events for a room until the
// returned subscription is unsubscribed.
func SubscribeEvents(nc *nats.Conn, log slog.Logger, roomID string, handler func(*Event)) (*nats.Subscription, error) {
	return nc.Subscribe(EventsSubject(roomID), func(m *nats.Msg) {
		ev, err := DecodeEvent(m.Data)
		if err != nil {
			log.Warnf("events: dropping malformed frame on %s: %v", m.Subject, err)
			return
		}
		handler(ev)
	})
}

// PublishEvent broadcasts a server event for a room.
func PublishEvent(nc *nats.Conn, ev *Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return nc.Publish(EventsSubject(ev.RoomID), data)
}
