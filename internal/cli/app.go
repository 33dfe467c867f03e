// Package cli wires the application together and defines the cobra commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/config"
	"github.com/dmitrijs2005/keepsync/internal/cryptox"
	"github.com/dmitrijs2005/keepsync/internal/logging"
	"github.com/dmitrijs2005/keepsync/internal/queue"
	"github.com/dmitrijs2005/keepsync/internal/remote"
	"github.com/dmitrijs2005/keepsync/internal/remote/s3"
	"github.com/dmitrijs2005/keepsync/internal/remote/webdav"
	"github.com/dmitrijs2005/keepsync/internal/repositories/syncmeta"
	"github.com/dmitrijs2005/keepsync/internal/resources"
	"github.com/dmitrijs2005/keepsync/internal/storage"
	syncengine "github.com/dmitrijs2005/keepsync/internal/sync"
)

const (
	keySaltLength  = 16
	deviceIDLength = 16 // random bytes; the id is the 32-char hex encoding
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// App bundles the wired components behind the CLI commands.
type App struct {
	cfg       *config.Config
	log       logging.Logger
	repos     *storage.Repositories
	crypto    *cryptox.Engine
	adapter   remote.Adapter
	queue     *queue.Manager
	engine    *syncengine.Engine
	resources *resources.Manager
}

// NewApp loads configuration, opens the local database, builds the remote
// adapter, and wires the sync engine. The vault stays locked until Unlock.
func NewApp(ctx context.Context) (*App, error) {
	cfg := config.LoadConfig()
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	repos, err := storage.InitDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	adapter, err := buildAdapter(ctx, cfg)
	if err != nil {
		_ = repos.Close()
		return nil, err
	}

	deviceID, err := ensureDeviceID(ctx, repos.SyncMeta)
	if err != nil {
		_ = repos.Close()
		return nil, err
	}

	crypto := cryptox.NewEngine()
	q := queue.NewManager(repos.DB)
	engine := syncengine.NewEngine(repos.Items, repos.SyncMeta, q, adapter, crypto, syncengine.Options{
		DeviceID:           deviceID,
		LockTTL:            cfg.LockTTL,
		TombstoneRetention: cfg.TombstoneRetention,
	}, log)
	resMgr := resources.NewManager(repos.Resources, adapter, crypto, cfg.CacheDir, cfg.CacheBudgetBytes, log)

	return &App{
		cfg:       cfg,
		log:       log,
		repos:     repos,
		crypto:    crypto,
		adapter:   adapter,
		queue:     q,
		engine:    engine,
		resources: resMgr,
	}, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.repos.Close()
}

// Unlock prompts for the master password and loads the derived key. The
// argon2id salt is generated once per database and persisted.
func (a *App) Unlock(ctx context.Context) error {
	fmt.Fprint(os.Stderr, "Master password: ")
	password, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer common.WipeByteArray(password)

	salt, err := ensureKeySalt(ctx, a.repos.SyncMeta)
	if err != nil {
		return err
	}

	a.crypto.SetMasterKeyFromPassword(password, salt)
	return nil
}

func buildAdapter(ctx context.Context, cfg *config.Config) (remote.Adapter, error) {
	switch cfg.Remote {
	case config.RemoteWebDAV:
		adapter := webdav.NewAdapter(webdav.Options{
			BaseURL:  cfg.WebDAV.BaseURL,
			Username: cfg.WebDAV.Username,
			Password: cfg.WebDAV.Password,
		})
		if err := adapter.EnsureCollections(ctx); err != nil {
			return nil, err
		}
		return adapter, nil

	case config.RemoteS3:
		return s3.NewAdapter(ctx, s3.Options{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})

	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote)
	}
}

// ensureDeviceID returns the stable replica identifier, assigning one on
// first use.
func ensureDeviceID(ctx context.Context, meta syncmeta.Repository) (string, error) {
	value, err := meta.Get(ctx, syncmeta.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if len(value) > 0 {
		return string(value), nil
	}
	id, err := common.MakeRandHexString(deviceIDLength)
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	if err := meta.Set(ctx, syncmeta.KeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func ensureKeySalt(ctx context.Context, meta syncmeta.Repository) ([]byte, error) {
	value, err := meta.Get(ctx, syncmeta.KeyKeySalt)
	if err != nil {
		return nil, err
	}
	if len(value) > 0 {
		return value, nil
	}
	salt := common.GenerateRandByteArray(keySaltLength)
	if err := meta.Set(ctx, syncmeta.KeyKeySalt, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
