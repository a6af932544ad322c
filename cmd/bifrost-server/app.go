package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"gorm.io/gorm/logger"

	"github.com/bifrost-registry/bifrost/pkg/api"
	"github.com/bifrost-registry/bifrost/pkg/cache"
	"github.com/bifrost-registry/bifrost/pkg/config"
	"github.com/bifrost-registry/bifrost/pkg/ha"
	"github.com/bifrost-registry/bifrost/pkg/registry"
	"github.com/bifrost-registry/bifrost/pkg/storage"
	"github.com/bifrost-registry/bifrost/pkg/storage/blobfs"
	"github.com/bifrost-registry/bifrost/pkg/storage/docdb"
	"github.com/bifrost-registry/bifrost/pkg/storage/memory"
)

// app is the wired server.
type app struct {
	Handler http.Handler
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp creates the stores named by cfg and wires the registry services
// and HTTP routes over them.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	var serverOpts []api.ServerOption

	var blobs storage.BlobStore
	switch cfg.Storage.Blob {
	case config.BlobFS:
		fs, err := blobfs.New(blobfs.Config{
			Root:       cfg.Blob.Root,
			SigningKey: []byte(cfg.Blob.SigningKey),
			BaseURL:    cfg.Blob.BaseURL,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		blobs = fs
		serverOpts = append(serverOpts, api.WithBlobHandler(fs.Handler()))
	default:
		log.Warn("using in-memory blob store, archives are lost on restart")
		blobs = memory.NewBlobStore()
	}

	var docs storage.DocumentStore
	switch cfg.Storage.Documents {
	case config.DocumentsDB:
		db, err := docdb.Open(cfg.DB.Type, cfg.DB.DSN, logger.Warn)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}

		locker := ha.Noop()
		if cfg.DB.MigrationLock {
			locker, err = ha.NewMigrationLocker(db, docdb.MigrationLockName)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("create migration lock: %w", err)
			}
		}
		store := docdb.NewStore(db, log)
		if err := store.AutoMigrate(ctx, locker); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate document tables: %w", err)
		}
		docs = store
		log.Info("using database document store", "type", cfg.DB.Type)
	default:
		log.Warn("using in-memory document store, metadata is lost on restart")
		docs = memory.NewDocumentStore()
	}

	blobs = storage.BlobStoreWithDeadline(blobs, cfg.Storage.Timeout)
	docs = storage.DocumentStoreWithDeadline(docs, cfg.Storage.Timeout)
	if p, ok := docs.(storage.Pinger); ok {
		serverOpts = append(serverOpts, api.WithReadinessCheck("documents", p))
	}

	cacheMgr := cache.NewManager(cache.Config{
		Enabled: cfg.Cache.Enabled,
		TTL:     cfg.Cache.TTL,
		MaxSize: cfg.Cache.MaxSize,
	})

	// A publish spends at most one document call between creating the
	// version record and advancing latest.
	reg := registry.NewRegistry(blobs, docs, log,
		registry.WithResumeAfter(max(registry.DefaultResumeAfter, 3*cfg.Storage.Timeout)))
	publisher := registry.NewPublisher(reg, log,
		registry.WithMaxArchiveSize(cfg.Upload.MaxSize),
		registry.WithOnPublished(func(_ context.Context, res *registry.PublishResult) {
			cacheMgr.InvalidatePackage(res.Name)
		}),
	)

	serverOpts = append(serverOpts,
		api.WithPublicURL(cfg.PublicURL),
		api.WithCache(cacheMgr),
	)
	srv := api.NewServer(
		publisher,
		registry.NewQueryService(docs, log),
		registry.NewDownloadResolver(blobs, docs, cfg.Download.TTL, log),
		log,
		serverOpts...,
	)
	a.Handler = srv.Routes()
	return a, nil
}
