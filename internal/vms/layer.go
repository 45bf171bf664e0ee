// Package vms defines the value types shared by the layer resolver, the
// subscription router and the broker: layers, dependency declarations,
// publisher offerings and the versioned snapshots handed to observers.
//
// Every set-valued field is carried as a slice. Constructors and the
// components that produce snapshots keep those slices in canonical order
// (sorted, no duplicates), and the Equal methods compare them as unordered
// sets so values decoded from any source compare structurally.
package vms

import (
	"fmt"
	"sort"
)

// Layer identifies a typed, versioned data channel. Layers are plain values
// and can be used directly as map keys.
type Layer struct {
	Type    int `json:"type" yaml:"type" cbor:"1,keyasint"`
	Subtype int `json:"subtype" yaml:"subtype" cbor:"2,keyasint"`
	Version int `json:"version" yaml:"version" cbor:"3,keyasint"`
}

// NewLayer returns the layer with the given type, subtype and version.
func NewLayer(layerType, subtype, version int) Layer {
	return Layer{Type: layerType, Subtype: subtype, Version: version}
}

// String renders the layer as type/subtype/version.
func (l Layer) String() string {
	return fmt.Sprintf("%d/%d/%d", l.Type, l.Subtype, l.Version)
}

// Less orders layers by type, then subtype, then version.
func (l Layer) Less(o Layer) bool {
	if l.Type != o.Type {
		return l.Type < o.Type
	}
	if l.Subtype != o.Subtype {
		return l.Subtype < o.Subtype
	}
	return l.Version < o.Version
}

// SubscriberID is the opaque identity of a subscriber. The routing core only
// needs identity and set membership, never the transport behind it.
type SubscriberID string

// SortLayers returns layers in canonical order with duplicates removed.
func SortLayers(layers []Layer) []Layer {
	if len(layers) == 0 {
		return []Layer{}
	}
	seen := make(map[Layer]struct{}, len(layers))
	out := make([]Layer, 0, len(layers))
	for _, l := range layers {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// SortIDs returns ids in ascending order with duplicates removed.
func SortIDs(ids []int) []int {
	if len(ids) == 0 {
		return []int{}
	}
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// SortSubscribers returns subscriber ids in ascending order with duplicates removed.
func SortSubscribers(subs []SubscriberID) []SubscriberID {
	if len(subs) == 0 {
		return []SubscriberID{}
	}
	seen := make(map[SubscriberID]struct{}, len(subs))
	out := make([]SubscriberID, 0, len(subs))
	for _, s := range subs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func layerSetEqual(a, b []Layer) bool {
	as := make(map[Layer]struct{}, len(a))
	for _, l := range a {
		as[l] = struct{}{}
	}
	bs := make(map[Layer]struct{}, len(b))
	for _, l := range b {
		if _, ok := as[l]; !ok {
			return false
		}
		bs[l] = struct{}{}
	}
	return len(as) == len(bs)
}

func idSetEqual(a, b []int) bool {
	as := make(map[int]struct{}, len(a))
	for _, id := range a {
		as[id] = struct{}{}
	}
	bs := make(map[int]struct{}, len(b))
	for _, id := range b {
		if _, ok := as[id]; !ok {
			return false
		}
		bs[id] = struct{}{}
	}
	return len(as) == len(bs)
}
