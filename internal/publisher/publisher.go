package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"advault/internal/fetcher"
	"advault/internal/metaads"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// ErrHashCollision means two different byte streams mapped to the same
// content hash. For a cryptographic hash this is an invariant violation, not
// a recoverable condition; the run aborts with diagnostics.
var ErrHashCollision = errors.New("publisher: hash_collision_with_divergent_bytes")

// PublishedAsset is the stable public identity of one object. Once a content
// hash has been published its public URL never changes.
type PublishedAsset struct {
	ContentHash string `json:"content_hash"`
	PublicURL   string `json:"public_url"`
	ObjectPath  string `json:"object_path"`
	Bytes       int64  `json:"bytes"`
}

// Publisher owns the content-addressed local mirror and the transaction log
// that feeds the remote store. Renames into the tree are safe under
// concurrent workers because destination names derive from content; the log
// and the remote sync are serialized.
type Publisher struct {
	root       string
	publicBase string
	remote     RemoteStore
	logger     *zap.SugaredLogger

	mu        sync.Mutex
	pending   []PublishedAsset
	published map[string]PublishedAsset

	syncMu sync.Mutex
}

func New(root, publicBase string, remote RemoteStore, logger *zap.SugaredLogger) (*Publisher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	// Staging lives under the root so renames stay on one filesystem.
	if err := os.MkdirAll(filepath.Join(root, ".staging"), 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Publisher{
		root:       root,
		publicBase: strings.TrimRight(publicBase, "/"),
		remote:     remote,
		logger:     logger,
		published:  make(map[string]PublishedAsset),
	}, nil
}

// StagingDir is where downloaders should create temp files destined for this
// tree.
func (p *Publisher) StagingDir() string { return filepath.Join(p.root, ".staging") }

// Publish moves a staged download into the content-addressed tree and queues
// it for the next remote sync. Publishing the same content twice is a no-op
// that returns the original asset.
func (p *Publisher) Publish(ctx context.Context, desc *fetcher.AssetDescriptor) (PublishedAsset, error) {
	objectPath := p.objectPath(desc)

	p.mu.Lock()
	if asset, ok := p.published[desc.ContentHash]; ok {
		p.mu.Unlock()
		os.Remove(desc.TempPath)
		return asset, nil
	}
	p.mu.Unlock()

	dest := filepath.Join(p.root, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return PublishedAsset{}, fmt.Errorf("create object dir: %w", err)
	}

	if info, err := os.Stat(dest); err == nil {
		// Same name means same content unless something is badly wrong.
		existingHash, hashErr := hashFile(dest)
		if hashErr != nil {
			return PublishedAsset{}, fmt.Errorf("verify existing object: %w", hashErr)
		}
		if info.Size() != desc.ByteLength || existingHash != desc.ContentHash {
			return PublishedAsset{}, fmt.Errorf("%w: %s (existing %d bytes %s, new %d bytes %s)",
				ErrHashCollision, objectPath, info.Size(), existingHash, desc.ByteLength, desc.ContentHash)
		}
		os.Remove(desc.TempPath)
	} else {
		if err := os.Rename(desc.TempPath, dest); err != nil {
			return PublishedAsset{}, fmt.Errorf("place object: %w", err)
		}
	}

	asset := PublishedAsset{
		ContentHash: desc.ContentHash,
		PublicURL:   p.publicBase + "/" + objectPath,
		ObjectPath:  objectPath,
		Bytes:       desc.ByteLength,
	}

	p.mu.Lock()
	p.published[desc.ContentHash] = asset
	p.pending = append(p.pending, asset)
	p.mu.Unlock()

	p.logger.Debugw("object placed", "path", objectPath, "bytes", desc.ByteLength)
	return asset, nil
}

// Lookup finds an already-published object by content hash, scanning the
// tree itself (the hash is the filename). Used on resumed runs to rebuild
// enrichment columns for checkpointed successes without touching the
// network.
func (p *Publisher) Lookup(contentHash string) (PublishedAsset, metaads.MediaKind, bool) {
	if len(contentHash) < 2 {
		return PublishedAsset{}, "", false
	}

	p.mu.Lock()
	if asset, ok := p.published[contentHash]; ok {
		p.mu.Unlock()
		return asset, kindForCategory(strings.SplitN(asset.ObjectPath, "/", 2)[0]), true
	}
	p.mu.Unlock()

	for _, category := range []string{"images", "videos", "thumbnails"} {
		pattern := filepath.Join(p.root, category, contentHash[:2], contentHash+".*")
		matches, err := filepath.Glob(pattern)
		if err != nil || len(matches) == 0 {
			continue
		}
		info, err := os.Stat(matches[0])
		if err != nil {
			continue
		}
		objectPath := path.Join(category, contentHash[:2], filepath.Base(matches[0]))
		asset := PublishedAsset{
			ContentHash: contentHash,
			PublicURL:   p.publicBase + "/" + objectPath,
			ObjectPath:  objectPath,
			Bytes:       info.Size(),
		}
		p.mu.Lock()
		p.published[contentHash] = asset
		p.mu.Unlock()
		return asset, kindForCategory(category), true
	}
	return PublishedAsset{}, "", false
}

func kindForCategory(category string) metaads.MediaKind {
	switch category {
	case "videos":
		return metaads.MediaVideo
	case "thumbnails":
		return metaads.MediaThumbnail
	default:
		return metaads.MediaImage
	}
}

// Commit syncs everything published since the last commit to the remote
// store. Syncs are serialized; an empty log is a no-op.
func (p *Publisher) Commit(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	if err := p.remote.Sync(ctx, p.root, batch); err != nil {
		// Put the batch back so a later commit retries it.
		p.mu.Lock()
		p.pending = append(batch, p.pending...)
		p.mu.Unlock()
		return fmt.Errorf("sync remote store: %w", err)
	}
	p.logger.Infow("remote store synced", "remote", p.remote.Name(), "objects", len(batch))
	return nil
}

// objectPath builds <category>/<first-2-hex>/<hash><ext>; forward slashes
// regardless of platform because the same path is used in public URLs.
func (p *Publisher) objectPath(desc *fetcher.AssetDescriptor) string {
	return path.Join(categoryFor(desc.MediaKind), desc.ContentHash[:2], desc.ContentHash+extensionFor(desc))
}

func categoryFor(kind metaads.MediaKind) string {
	switch kind {
	case metaads.MediaVideo:
		return "videos"
	case metaads.MediaThumbnail:
		return "thumbnails"
	default:
		return "images"
	}
}

var contentTypeExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
}

// extensionFor prefers the declared Content-Type, then the format hint, then
// sniffing the staged bytes, and finally .bin.
func extensionFor(desc *fetcher.AssetDescriptor) string {
	ct := desc.ContentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if ext, ok := contentTypeExt[strings.TrimSpace(strings.ToLower(ct))]; ok {
		return ext
	}
	if desc.FormatHint != "" {
		return "." + strings.TrimPrefix(desc.FormatHint, ".")
	}
	if desc.TempPath != "" {
		if mtype, err := mimetype.DetectFile(desc.TempPath); err == nil && mtype.Extension() != "" {
			return mtype.Extension()
		}
	}
	return ".bin"
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
