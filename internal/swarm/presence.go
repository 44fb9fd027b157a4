package swarm

import (
	"context"
	"slices"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Presence message ops
const (
	opAdd    = "add"
	opRemove = "remove"
	opSync   = "sync"
)

// DefaultPresenceInterval is how often the full item list is republished
const DefaultPresenceInterval = 30 * time.Second

const presenceQueueSize = 1024

type presenceMessage struct {
	Op    string   `msgpack:"op"`
	Items []string `msgpack:"items"`
}

// Presence is the directory of which relay holds which cached item. It
// gossips this relay's items on a pubsub topic and tracks what the other
// relays on the topic announce. Relays are online while they keep syncing.
type Presence struct {
	topic    *pubsub.Topic
	self     peer.ID
	interval time.Duration
	queue    chan presenceMessage
	logger   zerolog.Logger

	mu     sync.RWMutex
	held   map[string]struct{}
	remote map[string]map[string]struct{} // relay -> items
	seen   map[string]time.Time           // relay -> last message
	now    func() time.Time
}

// NewPresence creates a directory publishing on topic. topic may be nil in
// which case nothing is published.
func NewPresence(topic *pubsub.Topic, self peer.ID, interval time.Duration, logger zerolog.Logger) *Presence {
	if interval <= 0 {
		interval = DefaultPresenceInterval
	}
	return &Presence{
		topic:    topic,
		self:     self,
		interval: interval,
		queue:    make(chan presenceMessage, presenceQueueSize),
		logger:   logger.With().Str("component", "presence").Logger(),
		held:     make(map[string]struct{}),
		remote:   make(map[string]map[string]struct{}),
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Advertise announces that this relay holds id. It never blocks.
func (p *Presence) Advertise(id string) {
	p.mu.Lock()
	p.held[id] = struct{}{}
	p.mu.Unlock()
	p.enqueue(presenceMessage{Op: opAdd, Items: []string{id}})
}

// Revoke withdraws an announcement. It never blocks.
func (p *Presence) Revoke(id string) {
	p.mu.Lock()
	delete(p.held, id)
	p.mu.Unlock()
	p.enqueue(presenceMessage{Op: opRemove, Items: []string{id}})
}

// a dropped update is repaired by the next sync
func (p *Presence) enqueue(msg presenceMessage) {
	select {
	case p.queue <- msg:
	default:
		p.logger.Debug().Str("op", msg.Op).Msg("presence queue full, deferring to sync")
	}
}

// PeerHasItem reports whether relay announced id
func (p *Presence) PeerHasItem(relay, id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.remote[relay][id]
	return ok
}

// Online lists the relays heard from recently, excluding this one
func (p *Presence) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := p.now().Add(-3 * p.interval)
	online := make([]string, 0, len(p.seen))
	for relay, at := range p.seen {
		if at.After(cutoff) {
			online = append(online, relay)
		}
	}
	slices.Sort(online)
	return online
}

// Held returns the items this relay announces
func (p *Presence) Held() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	items := make([]string, 0, len(p.held))
	for id := range p.held {
		items = append(items, id)
	}
	slices.Sort(items)
	return items
}

// handleMessage applies one announcement from relay
func (p *Presence) handleMessage(relay string, msg presenceMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen[relay] = p.now()

	items, ok := p.remote[relay]
	if !ok || msg.Op == opSync {
		items = make(map[string]struct{}, len(msg.Items))
		p.remote[relay] = items
	}

	switch msg.Op {
	case opAdd, opSync:
		for _, id := range msg.Items {
			items[id] = struct{}{}
		}
	case opRemove:
		for _, id := range msg.Items {
			delete(items, id)
		}
	}
}

// prune forgets relays that went quiet
func (p *Presence) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-3 * p.interval)
	for relay, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, relay)
			delete(p.remote, relay)
		}
	}
}

// Run publishes queued updates and periodic syncs, and consumes other
// relays' announcements until ctx ends. It returns only after sub is
// canceled.
func (p *Presence) Run(ctx context.Context, sub *pubsub.Subscription) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, sub)
	}()
	defer wg.Wait()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish(ctx, presenceMessage{Op: opSync, Items: p.Held()})

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.publish(ctx, msg)
		case <-ticker.C:
			p.prune()
			p.publish(ctx, presenceMessage{Op: opSync, Items: p.Held()})
		}
	}
}

func (p *Presence) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer sub.Cancel()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		from := msg.GetFrom()
		if from == p.self {
			continue
		}

		relay, err := RelayFromPeerID(from)
		if err != nil {
			continue
		}

		var pm presenceMessage
		if err := msgpack.Unmarshal(msg.Data, &pm); err != nil {
			p.logger.Debug().Err(err).Str("relay", relay).Msg("dropped malformed presence message")
			continue
		}
		p.handleMessage(relay, pm)
	}
}

func (p *Presence) publish(ctx context.Context, msg presenceMessage) {
	if p.topic == nil {
		return
	}
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return
	}
	if err := p.topic.Publish(ctx, data); err != nil && ctx.Err() == nil {
		p.logger.Debug().Err(err).Str("op", msg.Op).Msg("failed to publish presence")
	}
}
