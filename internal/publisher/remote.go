package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RemoteStore reflects the local mirror into a public store. Sync must be
// idempotent: identical content at the same path is a no-op.
type RemoteStore interface {
	Name() string
	Sync(ctx context.Context, localRoot string, batch []PublishedAsset) error
}

const manifestName = "manifest.json"

// StaticRemote covers deployments where the mirror directory itself is the
// public store (it is served directly, or pushed wholesale to static
// hosting). Sync maintains a manifest of published objects next to the tree
// so the hosting side can verify completeness.
type StaticRemote struct{}

func (StaticRemote) Name() string { return "static" }

type manifest struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Objects     map[string]PublishedAsset `json:"objects"`
}

func (StaticRemote) Sync(ctx context.Context, localRoot string, batch []PublishedAsset) error {
	manifestPath := filepath.Join(localRoot, manifestName)

	m := manifest{Objects: make(map[string]PublishedAsset)}
	if raw, err := os.ReadFile(manifestPath); err == nil {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}
		if m.Objects == nil {
			m.Objects = make(map[string]PublishedAsset)
		}
	}

	for _, asset := range batch {
		if existing, ok := m.Objects[asset.ObjectPath]; ok {
			if existing.ContentHash != asset.ContentHash {
				return fmt.Errorf("%w: manifest already maps %s to %s",
					ErrHashCollision, asset.ObjectPath, existing.ContentHash)
			}
			continue
		}
		m.Objects[asset.ObjectPath] = asset
	}
	m.GeneratedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename keeps a reader from ever seeing a torn manifest.
	tmp := manifestPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, manifestPath)
}
