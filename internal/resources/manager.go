// Package resources implements the resource sync manager: on-demand download
// of attachment blobs into a local plaintext cache with LRU eviction under a
// byte budget.
package resources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/cryptox"
	"github.com/dmitrijs2005/keepsync/internal/filex"
	"github.com/dmitrijs2005/keepsync/internal/logging"
	"github.com/dmitrijs2005/keepsync/internal/models"
	resourcerepo "github.com/dmitrijs2005/keepsync/internal/repositories/resources"
)

// Downloader is the slice of the remote adapter the manager needs.
type Downloader interface {
	DownloadResource(ctx context.Context, resourceID string) ([]byte, error)
}

// Manager serves resource blobs from the local cache, downloading and
// decrypting them on first access. Concurrent fetches of the same resource
// collapse into a single download.
type Manager struct {
	repo        resourcerepo.Repository
	remote      Downloader
	crypto      *cryptox.Engine
	log         logging.Logger
	cacheDir    string
	budgetBytes int64
	group       singleflight.Group
}

func NewManager(repo resourcerepo.Repository, remote Downloader, crypto *cryptox.Engine,
	cacheDir string, budgetBytes int64, log logging.Logger) *Manager {
	return &Manager{
		repo:        repo,
		remote:      remote,
		crypto:      crypto,
		log:         log.With("component", "resources"),
		cacheDir:    cacheDir,
		budgetBytes: budgetBytes,
	}
}

func (m *Manager) localPath(resourceID string) string {
	return filepath.Join(m.cacheDir, resourceID)
}

// Fetch returns the local path of the decrypted resource blob, downloading
// it if it is not cached. A cache row whose file has gone missing on disk is
// treated as a miss.
func (m *Manager) Fetch(ctx context.Context, resourceID string) (string, error) {
	if resourceID == "" {
		return "", fmt.Errorf("fetch resource: empty resource id")
	}

	entry, err := m.repo.GetByID(ctx, resourceID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return "", err
	}
	if entry != nil {
		if _, statErr := os.Stat(entry.LocalPath); statErr == nil {
			if err := m.repo.TouchAccess(ctx, resourceID, time.Now().UnixMilli()); err != nil {
				return "", err
			}
			return entry.LocalPath, nil
		}
		m.log.Warn(ctx, "cached resource file missing, re-downloading", "resource_id", resourceID)
		if err := m.repo.Delete(ctx, resourceID); err != nil {
			return "", err
		}
	}

	path, err, _ := m.group.Do(resourceID, func() (any, error) {
		return m.download(ctx, resourceID)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (m *Manager) download(ctx context.Context, resourceID string) (string, error) {
	blob, err := m.remote.DownloadResource(ctx, resourceID)
	if err != nil {
		return "", fmt.Errorf("download resource %s: %w", resourceID, err)
	}

	plaintext, err := m.crypto.Decrypt(blob)
	if err != nil {
		return "", fmt.Errorf("decrypt resource %s: %w", resourceID, err)
	}

	path := m.localPath(resourceID)
	if err := filex.WriteFileAtomic(path, plaintext); err != nil {
		return "", fmt.Errorf("cache resource %s: %w", resourceID, err)
	}

	now := time.Now().UnixMilli()
	entry := &models.ResourceCacheEntry{
		ResourceID:     resourceID,
		LocalPath:      path,
		SizeBytes:      int64(len(plaintext)),
		DownloadedAt:   now,
		LastAccessedAt: now,
	}
	if err := m.repo.Upsert(ctx, entry); err != nil {
		_ = os.Remove(path)
		return "", err
	}

	m.log.Debug(ctx, "resource downloaded", "resource_id", resourceID, "size", entry.SizeBytes)

	if err := m.EvictIfOverBudget(ctx); err != nil {
		m.log.Warn(ctx, "cache eviction failed", "error", err)
	}
	return path, nil
}

// Invalidate drops a resource from the cache, file and row both. Missing
// entries are not an error.
func (m *Manager) Invalidate(ctx context.Context, resourceID string) error {
	entry, err := m.repo.GetByID(ctx, resourceID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(entry.LocalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cached file: %w", err)
	}
	return m.repo.Delete(ctx, resourceID)
}

// EvictIfOverBudget removes least recently accessed entries until the cache
// fits the byte budget. A budget of zero or less disables eviction.
func (m *Manager) EvictIfOverBudget(ctx context.Context) error {
	if m.budgetBytes <= 0 {
		return nil
	}

	total, err := m.repo.TotalSize(ctx)
	if err != nil {
		return err
	}
	if total <= m.budgetBytes {
		return nil
	}

	entries, err := m.repo.ListByLastAccess(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if total <= m.budgetBytes {
			break
		}
		if err := os.Remove(entry.LocalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evict %s: %w", entry.ResourceID, err)
		}
		if err := m.repo.Delete(ctx, entry.ResourceID); err != nil {
			return err
		}
		total -= entry.SizeBytes
		m.log.Debug(ctx, "resource evicted", "resource_id", entry.ResourceID, "size", entry.SizeBytes)
	}
	return nil
}
