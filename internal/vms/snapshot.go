package vms

// AvailableLayers is a resolver snapshot: every layer currently deliverable
// with the publishers able to serve it.
type AvailableLayers struct {
	AssociatedLayers []AssociatedLayer `json:"associatedLayers" yaml:"associated_layers" cbor:"1,keyasint"`
	Sequence         int               `json:"sequence" yaml:"sequence" cbor:"2,keyasint"`
}

// Equal compares the sequence and the associated layers as a set.
func (a AvailableLayers) Equal(o AvailableLayers) bool {
	return a.Sequence == o.Sequence && associatedSetEqual(a.AssociatedLayers, o.AssociatedLayers)
}

// Lookup returns the entry for layer, if the layer is available.
func (a AvailableLayers) Lookup(layer Layer) (AssociatedLayer, bool) {
	for _, al := range a.AssociatedLayers {
		if al.Layer == layer {
			return al, true
		}
	}
	return AssociatedLayer{}, false
}

// SubscriptionState is a router snapshot. Layers holds every layer with at
// least one interested subscriber or HAL registration; AssociatedLayers only
// the publisher-scoped subscriptions.
type SubscriptionState struct {
	Sequence         int               `json:"sequence" yaml:"sequence" cbor:"1,keyasint"`
	Layers           []Layer           `json:"layers" yaml:"layers" cbor:"2,keyasint"`
	AssociatedLayers []AssociatedLayer `json:"associatedLayers" yaml:"associated_layers" cbor:"3,keyasint"`
}

// Equal compares the sequence, the layer set and the associated layer set.
func (s SubscriptionState) Equal(o SubscriptionState) bool {
	return s.Sequence == o.Sequence &&
		layerSetEqual(s.Layers, o.Layers) &&
		associatedSetEqual(s.AssociatedLayers, o.AssociatedLayers)
}

// HasLayer reports whether layer is in the subscribed layer set.
func (s SubscriptionState) HasLayer(layer Layer) bool {
	for _, l := range s.Layers {
		if l == layer {
			return true
		}
	}
	return false
}
