// Package pubsub bridges the broker onto GossipSub so several bus instances
// can share messages and observe each other's state.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/vmsbus/vms-server/internal/codec"
	"github.com/vmsbus/vms-server/internal/vms"
)

var log = logging.Logger("vms-pubsub")

// DefaultTopicPrefix is the prefix for all bus topics.
const DefaultTopicPrefix = "/vms"

// Topic suffixes under the prefix.
const (
	AvailabilityTopic  = "/state/availability"
	SubscriptionsTopic = "/state/subscriptions"
	DataTopic          = "/data"
)

var (
	ErrClosed       = errors.New("bridge is closed")
	ErrAlreadyStart = errors.New("bridge already started")
)

// Deliverer fans remote messages out to local subscribers.
type Deliverer interface {
	Deliver(layer vms.Layer, publisherID int, payload []byte) int
}

// remoteEntry is the last snapshot kept for one peer.
type remoteEntry[T any] struct {
	incarnation string
	sequence    int
	snapshot    T
}

// replacedBy reports whether an update at sequence from incarnation should
// replace e. Sequences are only comparable within one incarnation.
func (e remoteEntry[T]) replacedBy(incarnation string, sequence int) bool {
	return e.incarnation != incarnation || sequence > e.sequence
}

// Bridge publishes broker snapshots and messages to peers and delivers the
// messages peers publish.
type Bridge struct {
	pubsub      *ps.PubSub
	self        peer.ID
	prefix      string
	incarnation string
	deliverer   Deliverer

	topics   map[string]*ps.Topic
	subs     map[string]*ps.Subscription
	handlers map[string]*ps.TopicEventHandler

	remoteAvailability  map[peer.ID]remoteEntry[vms.AvailableLayers]
	remoteSubscriptions map[peer.ID]remoteEntry[vms.SubscriptionState]

	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewBridge joins the bus topics under prefix. Messages received from self
// are ignored.
func NewBridge(pubsub *ps.PubSub, self peer.ID, prefix string, d Deliverer) (*Bridge, error) {
	b := newBridge(self, prefix, d)
	b.pubsub = pubsub

	for _, suffix := range []string{AvailabilityTopic, SubscriptionsTopic, DataTopic} {
		name := b.prefix + suffix
		topic, err := pubsub.Join(name)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
		}
		b.topics[suffix] = topic
		log.Debugf("Joined topic: %s", name)
	}
	return b, nil
}

func newBridge(self peer.ID, prefix string, d Deliverer) *Bridge {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		self:                self,
		prefix:              prefix,
		incarnation:         uuid.NewString(),
		deliverer:           d,
		topics:              make(map[string]*ps.Topic),
		subs:                make(map[string]*ps.Subscription),
		handlers:            make(map[string]*ps.TopicEventHandler),
		remoteAvailability:  make(map[peer.ID]remoteEntry[vms.AvailableLayers]),
		remoteSubscriptions: make(map[peer.ID]remoteEntry[vms.SubscriptionState]),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// TopicName returns the full name of the topic with the given suffix.
func (b *Bridge) TopicName(suffix string) string {
	return b.prefix + suffix
}

// Topic returns the joined topic with the given suffix.
func (b *Bridge) Topic(suffix string) (*ps.Topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[suffix]
	return t, ok
}

// Incarnation identifies this bridge instance in the snapshots it publishes.
func (b *Bridge) Incarnation() string {
	return b.incarnation
}

// Start subscribes to every bus topic and begins receiving. Peers leaving a
// state topic have their snapshot from that topic dropped.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStart
	}

	handlers := map[string]func(peer.ID, []byte){
		AvailabilityTopic:  b.handleAvailability,
		SubscriptionsTopic: b.handleSubscriptions,
		DataTopic:          b.handleData,
	}
	for suffix, handle := range handlers {
		topic, ok := b.topics[suffix]
		if !ok {
			return fmt.Errorf("topic %s not joined", b.prefix+suffix)
		}
		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", b.prefix+suffix, err)
		}
		b.subs[suffix] = sub

		b.wg.Add(1)
		go b.receiveLoop(sub, suffix, handle)
	}

	for _, suffix := range []string{AvailabilityTopic, SubscriptionsTopic} {
		handler, err := b.topics[suffix].EventHandler()
		if err != nil {
			return fmt.Errorf("failed to watch peers on %s: %w", b.prefix+suffix, err)
		}
		b.handlers[suffix] = handler

		b.wg.Add(1)
		go b.peerEventLoop(handler, suffix)
	}

	b.started = true
	log.Infof("Bridge started on %s", b.prefix)
	return nil
}

func (b *Bridge) receiveLoop(sub *ps.Subscription, suffix string, handle func(peer.ID, []byte)) {
	defer b.wg.Done()

	for {
		msg, err := sub.Next(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			log.Warnf("Error reading from %s: %v", b.prefix+suffix, err)
			continue
		}

		if msg.ReceivedFrom == b.self {
			continue
		}
		if len(msg.Data) == 0 {
			continue
		}

		handle(msg.GetFrom(), msg.Data)
	}
}

func (b *Bridge) peerEventLoop(handler *ps.TopicEventHandler, suffix string) {
	defer b.wg.Done()

	for {
		ev, err := handler.NextPeerEvent(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			log.Warnf("Error watching peers on %s: %v", b.prefix+suffix, err)
			return
		}
		if ev.Type == ps.PeerLeave {
			b.forgetPeer(suffix, ev.Peer)
		}
	}
}

// forgetPeer drops the snapshot p published on the state topic suffix.
func (b *Bridge) forgetPeer(suffix string, p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch suffix {
	case AvailabilityTopic:
		if _, ok := b.remoteAvailability[p]; ok {
			delete(b.remoteAvailability, p)
			log.Debugf("Peer %s left %s, availability dropped", p, b.prefix+suffix)
		}
	case SubscriptionsTopic:
		if _, ok := b.remoteSubscriptions[p]; ok {
			delete(b.remoteSubscriptions, p)
			log.Debugf("Peer %s left %s, subscriptions dropped", p, b.prefix+suffix)
		}
	}
}

func (b *Bridge) handleData(from peer.ID, data []byte) {
	env, err := codec.DecodeEnvelope(data)
	if err != nil {
		log.Debugf("Dropping malformed data message from %s: %v", from, err)
		return
	}
	if b.deliverer == nil {
		return
	}
	n := b.deliverer.Deliver(env.Layer, env.PublisherID, env.Payload)
	log.Debugf("Remote message from %s on layer %s delivered to %d subscribers", from, env.Layer, n)
}

func (b *Bridge) handleAvailability(from peer.ID, data []byte) {
	u, err := codec.DecodeAvailabilityUpdate(data)
	if err != nil {
		log.Debugf("Dropping malformed availability from %s: %v", from, err)
		return
	}
	a := u.Snapshot

	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.remoteAvailability[from]
	if ok && !prev.replacedBy(u.Incarnation, a.Sequence) {
		return
	}
	if ok && prev.incarnation != u.Incarnation {
		log.Infof("Peer %s restarted, availability reset", from)
	}
	b.remoteAvailability[from] = remoteEntry[vms.AvailableLayers]{
		incarnation: u.Incarnation,
		sequence:    a.Sequence,
		snapshot:    a,
	}
	log.Debugf("Peer %s availability at sequence %d: %d layers", from, a.Sequence, len(a.AssociatedLayers))
}

func (b *Bridge) handleSubscriptions(from peer.ID, data []byte) {
	u, err := codec.DecodeSubscriptionUpdate(data)
	if err != nil {
		log.Debugf("Dropping malformed subscription state from %s: %v", from, err)
		return
	}
	s := u.State

	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.remoteSubscriptions[from]
	if ok && !prev.replacedBy(u.Incarnation, s.Sequence) {
		return
	}
	if ok && prev.incarnation != u.Incarnation {
		log.Infof("Peer %s restarted, subscriptions reset", from)
	}
	b.remoteSubscriptions[from] = remoteEntry[vms.SubscriptionState]{
		incarnation: u.Incarnation,
		sequence:    s.Sequence,
		snapshot:    s,
	}
	log.Debugf("Peer %s subscriptions at sequence %d: %d layers", from, s.Sequence, len(s.Layers))
}

// RemoteAvailability returns the newest availability snapshot seen from the
// current incarnation of p.
func (b *Bridge) RemoteAvailability(p peer.ID) (vms.AvailableLayers, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.remoteAvailability[p]
	return e.snapshot, ok
}

// RemoteSubscriptions returns the newest subscription state seen from the
// current incarnation of p.
func (b *Bridge) RemoteSubscriptions(p peer.ID) (vms.SubscriptionState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.remoteSubscriptions[p]
	return e.snapshot, ok
}

// AvailabilityChanged publishes a local availability snapshot.
func (b *Bridge) AvailabilityChanged(a vms.AvailableLayers) {
	data, err := codec.EncodeAvailabilityUpdate(codec.AvailabilityUpdate{
		Incarnation: b.incarnation,
		Snapshot:    a,
	})
	if err != nil {
		log.Warnf("Failed to encode availability: %v", err)
		return
	}
	if err := b.publish(b.ctx, AvailabilityTopic, data); err != nil {
		log.Warnf("Failed to publish availability at sequence %d: %v", a.Sequence, err)
	}
}

// SubscriptionsChanged publishes a local subscription state.
func (b *Bridge) SubscriptionsChanged(s vms.SubscriptionState) {
	data, err := codec.EncodeSubscriptionUpdate(codec.SubscriptionUpdate{
		Incarnation: b.incarnation,
		State:       s,
	})
	if err != nil {
		log.Warnf("Failed to encode subscription state: %v", err)
		return
	}
	if err := b.publish(b.ctx, SubscriptionsTopic, data); err != nil {
		log.Warnf("Failed to publish subscription state at sequence %d: %v", s.Sequence, err)
	}
}

// Forward publishes a locally produced message to peers.
func (b *Bridge) Forward(ctx context.Context, layer vms.Layer, publisherID int, payload []byte) error {
	data, err := codec.EncodeEnvelope(codec.Envelope{
		Layer:       layer,
		PublisherID: publisherID,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	return b.publish(ctx, DataTopic, data)
}

func (b *Bridge) publish(ctx context.Context, suffix string, data []byte) error {
	b.mu.RLock()
	closed := b.closed
	topic, ok := b.topics[suffix]
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("topic %s not joined", b.prefix+suffix)
	}
	return topic.Publish(ctx, data)
}

// Close cancels all subscriptions and leaves all topics.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	for _, sub := range b.subs {
		sub.Cancel()
	}
	for _, handler := range b.handlers {
		handler.Cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for suffix, topic := range b.topics {
		if err := topic.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close topic %s: %w", b.prefix+suffix, err)
		}
	}
	return firstErr
}
