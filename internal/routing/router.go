// Package routing keeps the registry of who wants to receive what and
// answers fan-out queries for incoming (layer, publisher) messages.
//
// Subscribers register in three independent forms keyed by the same
// identity: catch-all, per layer, and per layer from one publisher. HAL
// subscriptions are subscriber-less registrations that only show up in the
// subscription state.
//
// Every add advances the sequence. A remove that finds nothing registered is
// a no-op and leaves the sequence untouched, so observers can rely on a
// sequence change meaning the registry changed or was explicitly re-added.
package routing

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vmsbus/vms-server/internal/vms"
)

var log = logging.Logger("vms-routing")

type subscriberSet map[vms.SubscriberID]struct{}

type layerPublisher struct {
	layer     vms.Layer
	publisher int
}

// Router maps layers and publishers to subscribers.
type Router struct {
	catchAll       subscriberSet
	layers         map[vms.Layer]subscriberSet
	fromPublishers map[layerPublisher]subscriberSet
	hal            map[vms.Layer]struct{}
	sequence       int
	mu             sync.RWMutex
}

// NewRouter creates an empty router at sequence 0.
func NewRouter() *Router {
	return &Router{
		catchAll:       make(subscriberSet),
		layers:         make(map[vms.Layer]subscriberSet),
		fromPublishers: make(map[layerPublisher]subscriberSet),
		hal:            make(map[vms.Layer]struct{}),
	}
}

// AddSubscription registers sub for every message on every layer.
func (r *Router) AddSubscription(sub vms.SubscriberID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.catchAll[sub] = struct{}{}
	r.sequence++
	log.Debugf("Subscriber %s added catch-all subscription (sequence %d)", sub, r.sequence)
	return r.sequence
}

// RemoveSubscription drops the catch-all registration of sub.
func (r *Router) RemoveSubscription(sub vms.SubscriberID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.catchAll[sub]; !ok {
		return r.sequence, false
	}
	delete(r.catchAll, sub)
	r.sequence++
	log.Debugf("Subscriber %s removed catch-all subscription (sequence %d)", sub, r.sequence)
	return r.sequence, true
}

// AddLayerSubscription registers sub for layer from any publisher.
func (r *Router) AddLayerSubscription(sub vms.SubscriberID, layer vms.Layer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	addTo(r.layers, layer, sub)
	r.sequence++
	log.Debugf("Subscriber %s added subscription to layer %s (sequence %d)", sub, layer, r.sequence)
	return r.sequence
}

// RemoveLayerSubscription drops the layer-only registration of sub.
func (r *Router) RemoveLayerSubscription(sub vms.SubscriberID, layer vms.Layer) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !removeFrom(r.layers, layer, sub) {
		return r.sequence, false
	}
	r.sequence++
	log.Debugf("Subscriber %s removed subscription to layer %s (sequence %d)", sub, layer, r.sequence)
	return r.sequence, true
}

// AddLayerFromPublisherSubscription registers sub for layer only when it is
// published by publisherID.
func (r *Router) AddLayerFromPublisherSubscription(sub vms.SubscriberID, layer vms.Layer, publisherID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	addTo(r.fromPublishers, layerPublisher{layer, publisherID}, sub)
	r.sequence++
	log.Debugf("Subscriber %s added subscription to layer %s from publisher %d (sequence %d)",
		sub, layer, publisherID, r.sequence)
	return r.sequence
}

// RemoveLayerFromPublisherSubscription drops the publisher-scoped
// registration of sub.
func (r *Router) RemoveLayerFromPublisherSubscription(sub vms.SubscriberID, layer vms.Layer, publisherID int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !removeFrom(r.fromPublishers, layerPublisher{layer, publisherID}, sub) {
		return r.sequence, false
	}
	r.sequence++
	log.Debugf("Subscriber %s removed subscription to layer %s from publisher %d (sequence %d)",
		sub, layer, publisherID, r.sequence)
	return r.sequence, true
}

// AddHalSubscription registers the always-present internal consumer for layer.
func (r *Router) AddHalSubscription(layer vms.Layer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hal[layer] = struct{}{}
	r.sequence++
	log.Debugf("HAL subscribed to layer %s (sequence %d)", layer, r.sequence)
	return r.sequence
}

// RemoveHalSubscription drops the HAL registration for layer.
func (r *Router) RemoveHalSubscription(layer vms.Layer) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hal[layer]; !ok {
		return r.sequence, false
	}
	delete(r.hal, layer)
	r.sequence++
	log.Debugf("HAL unsubscribed from layer %s (sequence %d)", layer, r.sequence)
	return r.sequence, true
}

// RemoveSubscriber drops every registration of sub in a single transition.
// It is used when a subscriber goes away without unsubscribing.
func (r *Router) RemoveSubscriber(sub vms.SubscriberID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	if _, ok := r.catchAll[sub]; ok {
		delete(r.catchAll, sub)
		removed = true
	}
	for layer := range r.layers {
		if removeFrom(r.layers, layer, sub) {
			removed = true
		}
	}
	for key := range r.fromPublishers {
		if removeFrom(r.fromPublishers, key, sub) {
			removed = true
		}
	}

	if !removed {
		return r.sequence, false
	}
	r.sequence++
	log.Infof("Removed all subscriptions of %s (sequence %d)", sub, r.sequence)
	return r.sequence, true
}

// GetSubscribersForLayerFromPublisher returns every subscriber that should
// receive a message on layer from publisherID, in ascending order.
func (r *Router) GetSubscribersForLayerFromPublisher(layer vms.Layer, publisherID int) []vms.SubscriberID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]vms.SubscriberID, 0,
		len(r.catchAll)+len(r.layers[layer])+len(r.fromPublishers[layerPublisher{layer, publisherID}]))
	for sub := range r.fromPublishers[layerPublisher{layer, publisherID}] {
		subs = append(subs, sub)
	}
	for sub := range r.layers[layer] {
		subs = append(subs, sub)
	}
	for sub := range r.catchAll {
		subs = append(subs, sub)
	}
	return vms.SortSubscribers(subs)
}

// GetSubscriptionState returns the current snapshot. Layers reached only
// through catch-all subscriptions are not listed.
func (r *Router) GetSubscriptionState() vms.SubscriptionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	layers := make([]vms.Layer, 0, len(r.layers)+len(r.fromPublishers)+len(r.hal))
	for layer := range r.layers {
		layers = append(layers, layer)
	}
	for layer := range r.hal {
		layers = append(layers, layer)
	}

	publishers := make(map[vms.Layer][]int)
	for key := range r.fromPublishers {
		layers = append(layers, key.layer)
		publishers[key.layer] = append(publishers[key.layer], key.publisher)
	}

	associated := make([]vms.AssociatedLayer, 0, len(publishers))
	for layer, ids := range publishers {
		associated = append(associated, vms.NewAssociatedLayer(layer, ids...))
	}

	return vms.SubscriptionState{
		Sequence:         r.sequence,
		Layers:           vms.SortLayers(layers),
		AssociatedLayers: vms.SortAssociatedLayers(associated),
	}
}

// Sequence returns the current sequence number.
func (r *Router) Sequence() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sequence
}

// HasLayerSubscriptions reports whether anyone, including the HAL, asked for
// layer specifically from any publisher.
func (r *Router) HasLayerSubscriptions(layer vms.Layer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, hal := r.hal[layer]
	return hal || len(r.layers[layer]) > 0
}

// HasLayerFromPublisherSubscriptions reports whether anyone asked for layer
// from publisherID specifically.
func (r *Router) HasLayerFromPublisherSubscriptions(layer vms.Layer, publisherID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fromPublishers[layerPublisher{layer, publisherID}]) > 0
}

// ContainsSubscriber reports whether sub holds any registration.
func (r *Router) ContainsSubscriber(sub vms.SubscriberID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.catchAll[sub]; ok {
		return true
	}
	for _, set := range r.layers {
		if _, ok := set[sub]; ok {
			return true
		}
	}
	for _, set := range r.fromPublishers {
		if _, ok := set[sub]; ok {
			return true
		}
	}
	return false
}

// GetAllSubscribers returns every subscriber holding any registration.
func (r *Router) GetAllSubscribers() []vms.SubscriberID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []vms.SubscriberID
	for sub := range r.catchAll {
		subs = append(subs, sub)
	}
	for _, set := range r.layers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	for _, set := range r.fromPublishers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	return vms.SortSubscribers(subs)
}

func addTo[K comparable](m map[K]subscriberSet, key K, sub vms.SubscriberID) {
	set, ok := m[key]
	if !ok {
		set = make(subscriberSet)
		m[key] = set
	}
	set[sub] = struct{}{}
}

// removeFrom deletes sub under key and prunes the key once it has no
// subscribers, so snapshots never list empty entries.
func removeFrom[K comparable](m map[K]subscriberSet, key K, sub vms.SubscriberID) bool {
	set, ok := m[key]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(m, key)
	}
	return true
}
