// Package broker combines the publisher registry, the availability resolver
// and the subscription router into the dispatcher clients talk to.
//
// The broker owns no routing or resolution logic of its own. It records
// per-publisher offerings and pushes the full set into the resolver, forwards
// subscription changes to the router, and fans messages out to the clients
// the router names. After every state transition it pushes the new snapshot
// to clients, notifiers, the journal and the metrics.
//
// Snapshots are delivered synchronously and outside the broker's locks.
// Under concurrent mutation an observer may receive snapshots out of order
// and should keep the one with the highest sequence.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vmsbus/vms-server/internal/availability"
	"github.com/vmsbus/vms-server/internal/metrics"
	"github.com/vmsbus/vms-server/internal/publishers"
	"github.com/vmsbus/vms-server/internal/routing"
	"github.com/vmsbus/vms-server/internal/vms"
)

var log = logging.Logger("vms-broker")

var (
	ErrUnknownClient    = errors.New("unknown client")
	ErrUnknownPublisher = errors.New("unknown publisher")
	ErrNilClient        = errors.New("client is nil")
)

// Client receives messages and state changes from the broker.
type Client interface {
	OnMessage(layer vms.Layer, publisherID int, payload []byte)
	OnLayersAvailabilityChanged(available vms.AvailableLayers)
	OnSubscriptionStateChanged(state vms.SubscriptionState)
}

// Notifier is told about every state transition. The transport bridge
// implements it to re-publish snapshots to peers.
type Notifier interface {
	AvailabilityChanged(available vms.AvailableLayers)
	SubscriptionsChanged(state vms.SubscriptionState)
}

// Forwarder carries locally published messages to remote peers.
type Forwarder interface {
	Forward(ctx context.Context, layer vms.Layer, publisherID int, payload []byte) error
}

// Journal records state transitions. *audit.Journal implements it.
type Journal interface {
	RecordAvailability(available vms.AvailableLayers) error
	RecordSubscriptions(state vms.SubscriptionState) error
	RecordPublisher(id int, infoCID string) error
	RecordClient(id vms.SubscriberID, registered bool) error
}

// Options configures a Broker. Every field is optional.
type Options struct {
	Registry *publishers.Registry
	Resolver *availability.Resolver
	Router   *routing.Router
	Journal  Journal
	Metrics  *metrics.Metrics
}

// Broker dispatches messages and state between publishers and subscribers.
type Broker struct {
	registry *publishers.Registry
	resolver *availability.Resolver
	router   *routing.Router
	journal  Journal
	metrics  *metrics.Metrics

	clients   map[vms.SubscriberID]Client
	notifiers []Notifier
	forwarder Forwarder
	mu        sync.RWMutex

	// offerMu serializes offering updates so the snapshot read back from the
	// resolver belongs to the update that produced it.
	offerings map[int]vms.Offering
	offerMu   sync.Mutex
}

// New creates a broker, constructing any component not supplied in opts.
func New(opts Options) *Broker {
	b := &Broker{
		registry:  opts.Registry,
		resolver:  opts.Resolver,
		router:    opts.Router,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		clients:   make(map[vms.SubscriberID]Client),
		offerings: make(map[int]vms.Offering),
	}
	if b.registry == nil {
		b.registry = publishers.NewRegistry()
	}
	if b.resolver == nil {
		b.resolver = availability.NewResolver()
	}
	if b.router == nil {
		b.router = routing.NewRouter()
	}
	return b
}

// AddNotifier registers n for every future state transition.
func (b *Broker) AddNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers = append(b.notifiers, n)
}

// SetForwarder sets where locally published messages are forwarded.
func (b *Broker) SetForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarder = f
}

// RegisterClient adds c and returns the identity it subscribes under.
func (b *Broker) RegisterClient(c Client) (vms.SubscriberID, error) {
	if c == nil {
		return "", ErrNilClient
	}

	id := vms.SubscriberID(uuid.NewString())

	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()

	log.Infof("Registered client %s", id)
	b.journalErr(b.recordClient(id, true))
	return id, nil
}

// UnregisterClient removes the client and every subscription it holds.
func (b *Broker) UnregisterClient(id vms.SubscriberID) error {
	b.mu.Lock()
	if _, ok := b.clients[id]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	delete(b.clients, id)
	b.mu.Unlock()

	log.Infof("Unregistered client %s", id)
	b.journalErr(b.recordClient(id, false))

	if _, changed := b.router.RemoveSubscriber(id); changed {
		b.publishSubscriptionState()
	}
	return nil
}

func (b *Broker) recordClient(id vms.SubscriberID, registered bool) error {
	if b.journal == nil {
		return nil
	}
	return b.journal.RecordClient(id, registered)
}

// RegisterPublisher returns the publisher id for info, assigning one on
// first sight.
func (b *Broker) RegisterPublisher(info []byte) int {
	id, created := b.registry.Register(info)
	if !created {
		return id
	}

	b.metrics.ObservePublishers(b.registry.Len())
	if b.journal != nil {
		infoCID := ""
		if c, err := b.registry.InfoCID(id); err == nil {
			infoCID = c.String()
		}
		b.journalErr(b.journal.RecordPublisher(id, infoCID))
	}
	return id
}

// GetPublisherInfo returns the info registered for publisher id.
func (b *Broker) GetPublisherInfo(id int) ([]byte, error) {
	return b.registry.GetPublisherInfo(id)
}

// SetPublisherOffering replaces the offering of o.PublisherID and
// re-resolves availability.
func (b *Broker) SetPublisherOffering(o vms.Offering) error {
	if _, err := b.registry.GetPublisherInfo(o.PublisherID); err != nil {
		return fmt.Errorf("%w: %d", ErrUnknownPublisher, o.PublisherID)
	}

	b.offerMu.Lock()
	b.offerings[o.PublisherID] = o.Clone()
	available, took := b.resolveLocked()
	b.offerMu.Unlock()

	log.Infof("Publisher %d offers %d layers", o.PublisherID, len(o.Layers()))
	b.publishAvailability(available, took)
	return nil
}

// RemovePublisherOffering withdraws the offering of publisherID. It reports
// whether the publisher had an offering.
func (b *Broker) RemovePublisherOffering(publisherID int) bool {
	b.offerMu.Lock()
	if _, ok := b.offerings[publisherID]; !ok {
		b.offerMu.Unlock()
		return false
	}
	delete(b.offerings, publisherID)
	available, took := b.resolveLocked()
	b.offerMu.Unlock()

	log.Infof("Publisher %d withdrew its offering", publisherID)
	b.publishAvailability(available, took)
	return true
}

// resolveLocked must be called with offerMu held.
func (b *Broker) resolveLocked() (vms.AvailableLayers, time.Duration) {
	ids := make([]int, 0, len(b.offerings))
	for id := range b.offerings {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	all := make([]vms.Offering, 0, len(ids))
	for _, id := range ids {
		all = append(all, b.offerings[id])
	}

	start := time.Now()
	b.resolver.SetPublishersOffering(all)
	took := time.Since(start)
	return b.resolver.GetAvailableLayers(), took
}

// GetAvailableLayers returns the current availability snapshot.
func (b *Broker) GetAvailableLayers() vms.AvailableLayers {
	return b.resolver.GetAvailableLayers()
}

// GetSubscriptionState returns the current subscription snapshot.
func (b *Broker) GetSubscriptionState() vms.SubscriptionState {
	return b.router.GetSubscriptionState()
}

// Subscribe registers a catch-all subscription for client id.
func (b *Broker) Subscribe(id vms.SubscriberID) error {
	return b.withClient(id, func() bool {
		b.router.AddSubscription(id)
		return true
	})
}

// Unsubscribe drops the catch-all subscription of client id.
func (b *Broker) Unsubscribe(id vms.SubscriberID) error {
	return b.withClient(id, func() bool {
		_, changed := b.router.RemoveSubscription(id)
		return changed
	})
}

// SubscribeToLayer subscribes client id to layer from any publisher.
func (b *Broker) SubscribeToLayer(id vms.SubscriberID, layer vms.Layer) error {
	return b.withClient(id, func() bool {
		b.router.AddLayerSubscription(id, layer)
		return true
	})
}

// UnsubscribeFromLayer drops the layer subscription of client id.
func (b *Broker) UnsubscribeFromLayer(id vms.SubscriberID, layer vms.Layer) error {
	return b.withClient(id, func() bool {
		_, changed := b.router.RemoveLayerSubscription(id, layer)
		return changed
	})
}

// SubscribeToLayerFromPublisher subscribes client id to layer from
// publisherID only.
func (b *Broker) SubscribeToLayerFromPublisher(id vms.SubscriberID, layer vms.Layer, publisherID int) error {
	return b.withClient(id, func() bool {
		b.router.AddLayerFromPublisherSubscription(id, layer, publisherID)
		return true
	})
}

// UnsubscribeFromLayerFromPublisher drops the publisher-scoped subscription
// of client id.
func (b *Broker) UnsubscribeFromLayerFromPublisher(id vms.SubscriberID, layer vms.Layer, publisherID int) error {
	return b.withClient(id, func() bool {
		_, changed := b.router.RemoveLayerFromPublisherSubscription(id, layer, publisherID)
		return changed
	})
}

// withClient applies a router change for client id and publishes the new
// state when change reports true. The client read lock is held while change
// runs; UnregisterClient needs the write lock, so its RemoveSubscriber always
// observes the change.
func (b *Broker) withClient(id vms.SubscriberID, change func() bool) error {
	b.mu.RLock()
	if _, ok := b.clients[id]; !ok {
		b.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	changed := change()
	b.mu.RUnlock()

	if changed {
		b.publishSubscriptionState()
	}
	return nil
}

// AddHalSubscription registers the internal consumer for layer.
func (b *Broker) AddHalSubscription(layer vms.Layer) {
	b.router.AddHalSubscription(layer)
	b.publishSubscriptionState()
}

// RemoveHalSubscription drops the internal consumer for layer.
func (b *Broker) RemoveHalSubscription(layer vms.Layer) {
	if _, changed := b.router.RemoveHalSubscription(layer); changed {
		b.publishSubscriptionState()
	}
}

// Publish delivers a locally produced message to local subscribers and
// forwards it to remote peers. It returns the number of local deliveries.
func (b *Broker) Publish(ctx context.Context, layer vms.Layer, publisherID int, payload []byte) (int, error) {
	delivered := b.Deliver(layer, publisherID, payload)

	b.mu.RLock()
	fwd := b.forwarder
	b.mu.RUnlock()

	if fwd != nil {
		if err := fwd.Forward(ctx, layer, publisherID, payload); err != nil {
			return delivered, fmt.Errorf("failed to forward message on layer %s: %w", layer, err)
		}
	}
	return delivered, nil
}

// Deliver fans a message out to local subscribers only. The transport
// bridge uses it for messages that arrived from peers.
func (b *Broker) Deliver(layer vms.Layer, publisherID int, payload []byte) int {
	subs := b.router.GetSubscribersForLayerFromPublisher(layer, publisherID)

	b.mu.RLock()
	targets := make([]Client, 0, len(subs))
	for _, id := range subs {
		if c, ok := b.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.OnMessage(layer, publisherID, payload)
	}

	b.metrics.ObserveMessage(len(targets))
	log.Debugf("Delivered message on layer %s from publisher %d to %d subscribers",
		layer, publisherID, len(targets))
	return len(targets)
}

func (b *Broker) snapshotListeners() ([]Client, []Notifier) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clients := make([]Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	notifiers := append([]Notifier(nil), b.notifiers...)
	return clients, notifiers
}

func (b *Broker) publishAvailability(available vms.AvailableLayers, took time.Duration) {
	b.metrics.ObserveAvailability(available, took)
	if b.journal != nil {
		b.journalErr(b.journal.RecordAvailability(available))
	}

	clients, notifiers := b.snapshotListeners()
	for _, c := range clients {
		c.OnLayersAvailabilityChanged(available)
	}
	for _, n := range notifiers {
		n.AvailabilityChanged(available)
	}
}

func (b *Broker) publishSubscriptionState() {
	state := b.router.GetSubscriptionState()

	b.metrics.ObserveSubscriptions(state)
	if b.journal != nil {
		b.journalErr(b.journal.RecordSubscriptions(state))
	}

	clients, notifiers := b.snapshotListeners()
	for _, c := range clients {
		c.OnSubscriptionStateChanged(state)
	}
	for _, n := range notifiers {
		n.SubscriptionsChanged(state)
	}
}

func (b *Broker) journalErr(err error) {
	if err != nil {
		log.Warnf("Failed to journal transition: %v", err)
	}
}
