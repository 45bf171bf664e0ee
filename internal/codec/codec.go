// Package codec serializes availability and subscription snapshots for the
// transport bridge.
//
// Encoding uses CBOR Core Deterministic Encoding (RFC 8949 §4.2), so the same
// snapshot always produces the same bytes. Set-valued fields are written in
// canonical order before encoding.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vmsbus/vms-server/internal/vms"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeAvailableLayers encodes a resolver snapshot.
func EncodeAvailableLayers(a vms.AvailableLayers) ([]byte, error) {
	a.AssociatedLayers = canonicalAssociated(a.AssociatedLayers)
	data, err := Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode available layers: %w", err)
	}
	return data, nil
}

// DecodeAvailableLayers decodes a resolver snapshot.
func DecodeAvailableLayers(data []byte) (vms.AvailableLayers, error) {
	var a vms.AvailableLayers
	if err := Unmarshal(data, &a); err != nil {
		return vms.AvailableLayers{}, fmt.Errorf("failed to decode available layers: %w", err)
	}
	return a, nil
}

// EncodeSubscriptionState encodes a router snapshot.
func EncodeSubscriptionState(s vms.SubscriptionState) ([]byte, error) {
	s.Layers = vms.SortLayers(s.Layers)
	s.AssociatedLayers = canonicalAssociated(s.AssociatedLayers)
	data, err := Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription state: %w", err)
	}
	return data, nil
}

// DecodeSubscriptionState decodes a router snapshot.
func DecodeSubscriptionState(data []byte) (vms.SubscriptionState, error) {
	var s vms.SubscriptionState
	if err := Unmarshal(data, &s); err != nil {
		return vms.SubscriptionState{}, fmt.Errorf("failed to decode subscription state: %w", err)
	}
	return s, nil
}

// EncodeOffering encodes a publisher offering.
func EncodeOffering(o vms.Offering) ([]byte, error) {
	deps := make([]vms.LayerDependency, len(o.Dependencies))
	for i, d := range o.Dependencies {
		deps[i] = vms.NewLayerDependency(d.Layer, d.DependsOn...)
	}
	o.Dependencies = deps
	data, err := Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode offering: %w", err)
	}
	return data, nil
}

// DecodeOffering decodes a publisher offering.
func DecodeOffering(data []byte) (vms.Offering, error) {
	var o vms.Offering
	if err := Unmarshal(data, &o); err != nil {
		return vms.Offering{}, fmt.Errorf("failed to decode offering: %w", err)
	}
	return o, nil
}

// Envelope carries one published message between peers.
type Envelope struct {
	Layer       vms.Layer `cbor:"1,keyasint"`
	PublisherID int       `cbor:"2,keyasint"`
	Payload     []byte    `cbor:"3,keyasint"`
}

// EncodeEnvelope encodes a data message.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope decodes a data message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}

// AvailabilityUpdate is an availability snapshot as published to peers.
// Incarnation is drawn once per process, so a restarted peer whose sequence
// starts over is told apart from a stale snapshot.
type AvailabilityUpdate struct {
	Incarnation string              `cbor:"1,keyasint"`
	Snapshot    vms.AvailableLayers `cbor:"2,keyasint"`
}

// SubscriptionUpdate is a subscription state as published to peers.
type SubscriptionUpdate struct {
	Incarnation string                `cbor:"1,keyasint"`
	State       vms.SubscriptionState `cbor:"2,keyasint"`
}

// EncodeAvailabilityUpdate encodes an availability update.
func EncodeAvailabilityUpdate(u AvailabilityUpdate) ([]byte, error) {
	u.Snapshot.AssociatedLayers = canonicalAssociated(u.Snapshot.AssociatedLayers)
	data, err := Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode availability update: %w", err)
	}
	return data, nil
}

// DecodeAvailabilityUpdate decodes an availability update.
func DecodeAvailabilityUpdate(data []byte) (AvailabilityUpdate, error) {
	var u AvailabilityUpdate
	if err := Unmarshal(data, &u); err != nil {
		return AvailabilityUpdate{}, fmt.Errorf("failed to decode availability update: %w", err)
	}
	return u, nil
}

// EncodeSubscriptionUpdate encodes a subscription update.
func EncodeSubscriptionUpdate(u SubscriptionUpdate) ([]byte, error) {
	u.State.Layers = vms.SortLayers(u.State.Layers)
	u.State.AssociatedLayers = canonicalAssociated(u.State.AssociatedLayers)
	data, err := Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription update: %w", err)
	}
	return data, nil
}

// DecodeSubscriptionUpdate decodes a subscription update.
func DecodeSubscriptionUpdate(data []byte) (SubscriptionUpdate, error) {
	var u SubscriptionUpdate
	if err := Unmarshal(data, &u); err != nil {
		return SubscriptionUpdate{}, fmt.Errorf("failed to decode subscription update: %w", err)
	}
	return u, nil
}

func canonicalAssociated(in []vms.AssociatedLayer) []vms.AssociatedLayer {
	out := make([]vms.AssociatedLayer, len(in))
	for i, al := range in {
		out[i] = vms.NewAssociatedLayer(al.Layer, al.PublisherIDs...)
	}
	return vms.SortAssociatedLayers(out)
}
