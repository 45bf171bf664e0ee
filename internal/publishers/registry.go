// Package publishers interns opaque publisher info blobs into small, stable
// integer ids.
package publishers

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("vms-publishers")

// ErrPublisherNotFound is returned for ids that were never assigned.
var ErrPublisherNotFound = errors.New("publisher not found")

// Registry assigns ids to publisher info blobs. Entries are never removed
// and ids are never reused.
type Registry struct {
	entries [][]byte
	// digest -> ids whose info hashes to it
	byDigest map[string][]int
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDigest: make(map[string][]int),
	}
}

// GetIDForInfo returns the id of info, registering it if no byte-equal blob
// has been seen before. New ids are assigned densely from 0.
func (r *Registry) GetIDForInfo(info []byte) int {
	id, _ := r.Register(info)
	return id
}

// Register is GetIDForInfo that also reports whether the id was assigned by
// this call.
func (r *Registry) Register(info []byte) (int, bool) {
	digest := infoDigest(info)

	r.mu.RLock()
	id, ok := r.lookup(digest, info)
	r.mu.RUnlock()
	if ok {
		return id, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have registered the same blob between the locks.
	if id, ok := r.lookup(digest, info); ok {
		return id, false
	}

	id = len(r.entries)
	stored := make([]byte, len(info))
	copy(stored, info)
	r.entries = append(r.entries, stored)
	r.byDigest[digest] = append(r.byDigest[digest], id)

	log.Infof("Registered publisher %d (%d bytes of info)", id, len(info))
	return id, true
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(digest string, info []byte) (int, bool) {
	for _, id := range r.byDigest[digest] {
		if bytes.Equal(r.entries[id], info) {
			return id, true
		}
	}
	return 0, false
}

// GetPublisherInfo returns a copy of the info registered under id.
func (r *Registry) GetPublisherInfo(id int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || id >= len(r.entries) {
		return nil, fmt.Errorf("%w: id %d", ErrPublisherNotFound, id)
	}

	info := make([]byte, len(r.entries[id]))
	copy(info, r.entries[id])
	return info, nil
}

// InfoCID returns the content identifier of the info registered under id.
func (r *Registry) InfoCID(id int) (cid.Cid, error) {
	info, err := r.GetPublisherInfo(id)
	if err != nil {
		return cid.Undef, err
	}

	hash, err := mh.Sum(info, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash publisher info: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// Len returns the number of registered publishers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func infoDigest(info []byte) string {
	hash, err := mh.Sum(info, mh.SHA2_256, -1)
	if err != nil {
		// SHA2_256 is always registered; fall back to the raw bytes so
		// interning still works.
		return "raw:" + string(info)
	}
	return string(hash)
}
