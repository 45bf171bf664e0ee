// Package availability computes which layers are deliverable from the
// offerings publishers have declared.
//
// A layer L is available from publisher p when p declared L with a
// dependency set D and every layer in D is available from at least one
// publisher. The resolver computes the least fixed point of that rule with
// a worklist: declarations with no dependencies seed it, and each layer that
// becomes available for the first time releases the declarations waiting on
// it. Layers reachable only through a cycle never resolve.
package availability

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vmsbus/vms-server/internal/vms"
)

var log = logging.Logger("vms-availability")

// Resolver keeps the active offerings and the availability snapshot derived
// from them.
type Resolver struct {
	offerings []vms.Offering
	snapshot  vms.AvailableLayers
	mu        sync.RWMutex
}

// NewResolver creates a resolver with no offerings at sequence 0.
func NewResolver() *Resolver {
	return &Resolver{
		snapshot: vms.AvailableLayers{AssociatedLayers: []vms.AssociatedLayer{}},
	}
}

// SetPublishersOffering replaces every active offering with offerings.
// Publishers missing from the new set are treated as withdrawn. The sequence
// advances on every call, whether or not the resolved set changed.
func (r *Resolver) SetPublishersOffering(offerings []vms.Offering) {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.offerings = copyOfferings(offerings)
	seq := r.snapshot.Sequence + 1
	r.snapshot = vms.AvailableLayers{
		AssociatedLayers: Resolve(r.offerings),
		Sequence:         seq,
	}

	log.Infof("Resolved %d available layers from %d offerings (sequence %d, %s)",
		len(r.snapshot.AssociatedLayers), len(offerings), seq, time.Since(start))
}

// GetAvailableLayers returns the current snapshot. The caller owns the
// returned value.
func (r *Resolver) GetAvailableLayers() vms.AvailableLayers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyAvailable(r.snapshot)
}

// Offerings returns the active offerings.
func (r *Resolver) Offerings() []vms.Offering {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyOfferings(r.offerings)
}

// edge is one declaration "layer is servable by publisher once every layer
// in deps is available".
type edge struct {
	layer     vms.Layer
	publisher int
	unmet     int
}

type servedBy struct {
	layer     vms.Layer
	publisher int
}

// Resolve computes the available layers for offerings. It is pure and safe
// to call without a Resolver.
func Resolve(offerings []vms.Offering) []vms.AssociatedLayer {
	var edges []*edge
	waiting := make(map[vms.Layer][]*edge)
	var ready []*edge

	for _, o := range offerings {
		for _, dep := range o.Dependencies {
			e := &edge{layer: dep.Layer, publisher: o.PublisherID}
			seen := make(map[vms.Layer]struct{}, len(dep.DependsOn))
			for _, d := range dep.DependsOn {
				if _, dup := seen[d]; dup {
					continue
				}
				seen[d] = struct{}{}
				waiting[d] = append(waiting[d], e)
				e.unmet++
			}
			edges = append(edges, e)
			if e.unmet == 0 {
				ready = append(ready, e)
			}
		}
	}

	available := make(map[vms.Layer][]int)
	marked := make(map[servedBy]struct{})

	for len(ready) > 0 {
		e := ready[len(ready)-1]
		ready = ready[:len(ready)-1]

		key := servedBy{layer: e.layer, publisher: e.publisher}
		if _, ok := marked[key]; ok {
			continue
		}
		marked[key] = struct{}{}

		_, wasAvailable := available[e.layer]
		available[e.layer] = append(available[e.layer], e.publisher)
		if wasAvailable {
			continue
		}

		// First publisher for this layer: release everything waiting on it.
		for _, w := range waiting[e.layer] {
			w.unmet--
			if w.unmet == 0 {
				ready = append(ready, w)
			}
		}
	}

	log.Debugf("Fixed point reached: %d edges, %d layer/publisher pairs", len(edges), len(marked))

	out := make([]vms.AssociatedLayer, 0, len(available))
	for layer, pubs := range available {
		out = append(out, vms.NewAssociatedLayer(layer, pubs...))
	}
	return vms.SortAssociatedLayers(out)
}

func copyOfferings(in []vms.Offering) []vms.Offering {
	out := make([]vms.Offering, len(in))
	for i, o := range in {
		out[i] = o.Clone()
	}
	return out
}

func copyAvailable(in vms.AvailableLayers) vms.AvailableLayers {
	out := vms.AvailableLayers{
		AssociatedLayers: make([]vms.AssociatedLayer, len(in.AssociatedLayers)),
		Sequence:         in.Sequence,
	}
	for i, al := range in.AssociatedLayers {
		out.AssociatedLayers[i] = vms.AssociatedLayer{
			Layer:        al.Layer,
			PublisherIDs: append([]int{}, al.PublisherIDs...),
		}
	}
	return out
}
