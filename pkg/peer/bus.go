// Package peer carries coordination messages between peers attached to
// the same database: committed transaction records, and requests to give
// up shared access so one peer can go exclusive.
//
// Delivery is best-effort and unordered. Every peer also re-reads the
// durable pending log at lock-escalation time, so a dropped broadcast
// delays visibility but never loses data; the view locks provide the
// durable lower bound used for reclamation.
package peer

import (
	"sync"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/index"
)

// Message is one broadcast on a database's channel.
type Message struct {
	// From identifies the sending peer; a peer never receives its own
	// messages.
	From string

	// Tx is a committed transaction record, when this is a transaction
	// broadcast.
	Tx *index.Tx

	// ExclusiveRequest asks peers not currently transacting to release
	// their shared access lock.
	ExclusiveRequest bool
}

// subscriberBuffer bounds each subscription channel. A full buffer drops
// the message for that subscriber; the pending log covers the loss.
const subscriberBuffer = 64

// Subscription is one peer's attachment to a database channel.
type Subscription struct {
	bus    *Bus
	path   string
	peerID string
	ch     chan Message
	once   sync.Once
}

// C is the receive channel. Closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.drop(s)
		close(s.ch)
	})
}

// Bus is the process-wide broadcast fabric, one logical channel per
// database path. Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe attaches peerID to the channel for path.
func (b *Bus) Subscribe(path, peerID string) *Subscription {
	sub := &Subscription{
		bus:    b,
		path:   path,
		peerID: peerID,
		ch:     make(chan Message, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[path] = append(b.subs[path], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers msg to every subscriber of path except the sender.
func (b *Bus) Publish(path string, msg Message) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[path]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.peerID == msg.From {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber. It will catch up from the pending log.
			logger.Warn("peer broadcast dropped",
				logger.KeyPath, path,
				logger.KeyPeer, sub.peerID)
		}
	}
}

func (b *Bus) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.path]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.path] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.path]) == 0 {
		delete(b.subs, sub.path)
	}
}
