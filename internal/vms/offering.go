package vms

import "sort"

// LayerDependency is one publisher's declaration that Layer can be served
// once every layer in DependsOn is available from any publisher.
type LayerDependency struct {
	Layer     Layer   `json:"layer" yaml:"layer" cbor:"1,keyasint"`
	DependsOn []Layer `json:"dependsOn" yaml:"depends_on" cbor:"2,keyasint"`
}

// NewLayerDependency builds a dependency declaration with DependsOn in
// canonical order.
func NewLayerDependency(layer Layer, dependsOn ...Layer) LayerDependency {
	return LayerDependency{Layer: layer, DependsOn: SortLayers(dependsOn)}
}

// Equal reports whether both declarations name the same layer and the same
// dependency set.
func (d LayerDependency) Equal(o LayerDependency) bool {
	return d.Layer == o.Layer && layerSetEqual(d.DependsOn, o.DependsOn)
}

// Offering is the complete current declaration of one publisher.
type Offering struct {
	PublisherID  int               `json:"publisherId" yaml:"publisher_id" cbor:"1,keyasint"`
	Dependencies []LayerDependency `json:"dependencies" yaml:"dependencies" cbor:"2,keyasint"`
}

// NewOffering builds an offering for publisherID.
func NewOffering(publisherID int, deps ...LayerDependency) Offering {
	if deps == nil {
		deps = []LayerDependency{}
	}
	return Offering{PublisherID: publisherID, Dependencies: deps}
}

// Layers returns the distinct layers declared by the offering.
func (o Offering) Layers() []Layer {
	layers := make([]Layer, 0, len(o.Dependencies))
	for _, d := range o.Dependencies {
		layers = append(layers, d.Layer)
	}
	return SortLayers(layers)
}

// Equal compares publisher ids and the dependency declarations as a set.
func (o Offering) Equal(other Offering) bool {
	if o.PublisherID != other.PublisherID {
		return false
	}
	return dependencySetContains(o.Dependencies, other.Dependencies) &&
		dependencySetContains(other.Dependencies, o.Dependencies)
}

// Clone returns a deep copy of the offering.
func (o Offering) Clone() Offering {
	deps := make([]LayerDependency, len(o.Dependencies))
	for i, d := range o.Dependencies {
		deps[i] = LayerDependency{
			Layer:     d.Layer,
			DependsOn: append([]Layer(nil), d.DependsOn...),
		}
	}
	return Offering{PublisherID: o.PublisherID, Dependencies: deps}
}

func dependencySetContains(a, b []LayerDependency) bool {
	for _, want := range b {
		found := false
		for _, have := range a {
			if have.Equal(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AssociatedLayer pairs a layer with a set of publisher ids.
type AssociatedLayer struct {
	Layer        Layer `json:"layer" yaml:"layer" cbor:"1,keyasint"`
	PublisherIDs []int `json:"publisherIds" yaml:"publisher_ids" cbor:"2,keyasint"`
}

// NewAssociatedLayer builds an AssociatedLayer with ids in canonical order.
func NewAssociatedLayer(layer Layer, publisherIDs ...int) AssociatedLayer {
	return AssociatedLayer{Layer: layer, PublisherIDs: SortIDs(publisherIDs)}
}

// Equal compares the layer and the publisher id set.
func (a AssociatedLayer) Equal(o AssociatedLayer) bool {
	return a.Layer == o.Layer && idSetEqual(a.PublisherIDs, o.PublisherIDs)
}

// HasPublisher reports whether publisherID is associated with the layer.
func (a AssociatedLayer) HasPublisher(publisherID int) bool {
	for _, id := range a.PublisherIDs {
		if id == publisherID {
			return true
		}
	}
	return false
}

// SortAssociatedLayers orders entries by layer.
func SortAssociatedLayers(in []AssociatedLayer) []AssociatedLayer {
	out := make([]AssociatedLayer, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Layer.Less(out[j].Layer) })
	return out
}

// associatedSetEqual treats a and b as sets keyed by layer. A layer listed
// twice on one side never equals a single entry on the other.
func associatedSetEqual(a, b []AssociatedLayer) bool {
	if len(a) != len(b) {
		return false
	}
	byLayer := make(map[Layer]AssociatedLayer, len(a))
	for _, al := range a {
		if _, dup := byLayer[al.Layer]; dup {
			return false
		}
		byLayer[al.Layer] = al
	}
	for _, al := range b {
		have, ok := byLayer[al.Layer]
		if !ok || !have.Equal(al) {
			return false
		}
		delete(byLayer, al.Layer)
	}
	return len(byLayer) == 0
}
