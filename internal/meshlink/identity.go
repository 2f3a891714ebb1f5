package meshlink

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// loadOrCreateKey returns the node's persistent Ed25519 identity key,
// generating and saving one on first run so the peer ID (and with it the
// mesh node id) is stable across restarts. The second return value
// reports whether a fresh key was generated.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	if raw, err := os.ReadFile(keyFile); err == nil {
		priv, uerr := crypto.UnmarshalPrivateKey(raw)
		if uerr == nil {
			return priv, false, nil
		}
		log.Printf("meshlink: unreadable identity key at %s: %v (replacing)", keyFile, uerr)
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read identity key: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, fmt.Errorf("generate identity key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}
