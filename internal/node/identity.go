package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// KeyFile is the bus identity file under the storage path.
const KeyFile = "identity.key"

// ErrBadIdentity is returned when an identity file exists but cannot be
// read as a private key. Peers track this bus by its peer ID, so it is never
// silently replaced.
var ErrBadIdentity = errors.New("unreadable bus identity")

// loadIdentity returns the key stored in dir, creating one on first use.
func loadIdentity(dir string) (crypto.PrivKey, error) {
	path := filepath.Join(dir, KeyFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadIdentity, path, err)
		}
		log.Debugf("Bus identity loaded from %s", path)
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := storeIdentity(path, key); err != nil {
		return nil, err
	}
	log.Infof("New bus identity written to %s", path)
	return key, nil
}

// storeIdentity writes key next to path and renames it into place.
func storeIdentity(path string, key crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}
