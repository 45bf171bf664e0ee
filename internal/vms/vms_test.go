package vms

import "testing"

var (
	layerX = NewLayer(1, 1, 1)
	layerY = NewLayer(2, 2, 2)
	layerZ = NewLayer(3, 3, 3)
)

func TestLayerStructuralEquality(t *testing.T) {
	a := NewLayer(4, 5, 6)
	b := Layer{Type: 4, Subtype: 5, Version: 6}
	if a != b {
		t.Fatalf("Expected %v == %v", a, b)
	}

	m := map[Layer]int{a: 1}
	if m[b] != 1 {
		t.Error("Equal layers should hash to the same map entry")
	}

	if a == NewLayer(4, 5, 7) {
		t.Error("Layers with different versions should differ")
	}
}

func TestLayerOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b Layer
		less bool
	}{
		{"type wins", NewLayer(1, 9, 9), NewLayer(2, 0, 0), true},
		{"subtype breaks tie", NewLayer(1, 1, 9), NewLayer(1, 2, 0), true},
		{"version breaks tie", NewLayer(1, 1, 1), NewLayer(1, 1, 2), true},
		{"equal is not less", NewLayer(1, 1, 1), NewLayer(1, 1, 1), false},
		{"greater", NewLayer(3, 0, 0), NewLayer(2, 0, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.less {
				t.Errorf("%v.Less(%v) = %v, want %v", tt.a, tt.b, got, tt.less)
			}
		})
	}
}

func TestSortLayersDeduplicates(t *testing.T) {
	got := SortLayers([]Layer{layerZ, layerX, layerZ, layerY})
	want := []Layer{layerX, layerY, layerZ}
	if len(got) != len(want) {
		t.Fatalf("Expected %d layers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestAssociatedLayerEqualIgnoresOrder(t *testing.T) {
	a := AssociatedLayer{Layer: layerX, PublisherIDs: []int{3, 1, 2}}
	b := NewAssociatedLayer(layerX, 1, 2, 3)
	if !a.Equal(b) {
		t.Error("Publisher id sets should compare unordered")
	}
	if a.Equal(NewAssociatedLayer(layerX, 1, 2)) {
		t.Error("Different publisher sets should not be equal")
	}
	if a.Equal(NewAssociatedLayer(layerY, 1, 2, 3)) {
		t.Error("Different layers should not be equal")
	}
}

func TestAvailableLayersEqual(t *testing.T) {
	a := AvailableLayers{
		Sequence: 4,
		AssociatedLayers: []AssociatedLayer{
			NewAssociatedLayer(layerX, 1),
			NewAssociatedLayer(layerY, 2, 1),
		},
	}
	b := AvailableLayers{
		Sequence: 4,
		AssociatedLayers: []AssociatedLayer{
			{Layer: layerY, PublisherIDs: []int{1, 2}},
			{Layer: layerX, PublisherIDs: []int{1}},
		},
	}
	if !a.Equal(b) {
		t.Error("Snapshots with reordered sets should be equal")
	}

	b.Sequence = 5
	if a.Equal(b) {
		t.Error("Snapshots with different sequences should differ")
	}

	c := AvailableLayers{Sequence: 4, AssociatedLayers: []AssociatedLayer{
		NewAssociatedLayer(layerX, 1),
		NewAssociatedLayer(layerX, 1),
	}}
	d := AvailableLayers{Sequence: 4, AssociatedLayers: []AssociatedLayer{
		NewAssociatedLayer(layerX, 1),
		NewAssociatedLayer(layerY, 1),
	}}
	if c.Equal(d) {
		t.Error("Duplicate entries should not mask a missing layer")
	}
}

func TestSubscriptionStateEqual(t *testing.T) {
	a := SubscriptionState{
		Sequence:         2,
		Layers:           []Layer{layerX, layerY},
		AssociatedLayers: []AssociatedLayer{NewAssociatedLayer(layerY, 7)},
	}
	b := SubscriptionState{
		Sequence:         2,
		Layers:           []Layer{layerY, layerX},
		AssociatedLayers: []AssociatedLayer{NewAssociatedLayer(layerY, 7)},
	}
	if !a.Equal(b) {
		t.Error("States with reordered layers should be equal")
	}

	b.Layers = []Layer{layerX}
	if a.Equal(b) {
		t.Error("States with different layer sets should differ")
	}
}

func TestOfferingEqual(t *testing.T) {
	a := NewOffering(1,
		NewLayerDependency(layerX, layerY, layerZ),
		NewLayerDependency(layerZ),
	)
	b := Offering{PublisherID: 1, Dependencies: []LayerDependency{
		{Layer: layerZ, DependsOn: nil},
		{Layer: layerX, DependsOn: []Layer{layerZ, layerY}},
	}}
	if !a.Equal(b) {
		t.Error("Offerings should compare dependency sets unordered")
	}

	b.PublisherID = 2
	if a.Equal(b) {
		t.Error("Offerings from different publishers should differ")
	}

	layers := a.Layers()
	if len(layers) != 2 || layers[0] != layerX || layers[1] != layerZ {
		t.Errorf("Unexpected offered layers: %v", layers)
	}
}

func TestOfferingCloneIsDeep(t *testing.T) {
	o := NewOffering(1, NewLayerDependency(layerX, layerY))
	c := o.Clone()

	o.Dependencies[0].DependsOn[0] = layerZ
	o.Dependencies[0].Layer = layerZ

	want := NewOffering(1, NewLayerDependency(layerX, layerY))
	if !c.Equal(want) {
		t.Errorf("Clone should not share slices with the original, got %+v", c)
	}
}
