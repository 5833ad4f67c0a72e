package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trunov/photothumb/internal/blobstore"
	blobmem "github.com/trunov/photothumb/internal/blobstore/memory"
	"github.com/trunov/photothumb/internal/cache"
	"github.com/trunov/photothumb/internal/config"
	"github.com/trunov/photothumb/internal/derive"
	"github.com/trunov/photothumb/internal/ingest"
	"github.com/trunov/photothumb/internal/objectstore/minio"
	"github.com/trunov/photothumb/internal/objectstore/s3"
	"github.com/trunov/photothumb/internal/processor"
	"github.com/trunov/photothumb/internal/queue"
	"github.com/trunov/photothumb/internal/redismanager"
	"github.com/trunov/photothumb/internal/report"
	"github.com/trunov/photothumb/internal/repository/catalog"
	"github.com/trunov/photothumb/internal/transport/handler"
	"github.com/trunov/photothumb/internal/transport/router"
)

const shutdownTimeout = 10 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	cfg *config.Config
	log *slog.Logger

	Conn       *queue.Conn
	Store      blobstore.Store
	Worker     *derive.Worker
	Ingester   *ingest.Ingester
	HttpServer *http.Server

	closers []func()
}

// New connects to redis, picks the catalog and byte backend from cfg and
// wires the worker, the ingester and the HTTP server.
func New(ctx context.Context, cfg *config.Config, reporter report.Reporter, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log.With("component", "app")}

	conn, err := queue.Connect(ctx, cfg.Redis, cfg.Worker, log)
	if err != nil {
		return nil, err
	}
	a.Conn = conn
	a.closers = append(a.closers, func() { _ = conn.Close() })

	checks := []handler.Check{{Name: "queue", Ping: conn.Ping}}

	var cat blobstore.Catalog
	if cfg.Database.DSN != "" {
		repo, err := catalog.New(ctx, cfg.Database.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		checks = append(checks, handler.Check{Name: "catalog", Ping: repo.Ping})
		cat = repo
	} else {
		a.log.Warn("database.dsn is empty, records are kept in memory")
		cat = blobmem.NewCatalog()
	}
	recordCache := cache.NewCache("photothumb:records", conn.Holder())
	cat = blobstore.NewCachedCatalog(cat, recordCache, cfg.Redis.CacheTTL, log.With("component", "catalog-cache"))

	backend, err := newBackend(ctx, cfg.Storage, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if p, ok := backend.(pinger); ok {
		checks = append(checks, handler.Check{Name: "storage", Ping: p.Ping})
	}
	a.Store = blobstore.New(backend, cat)

	enc, err := processor.NewEncoder(cfg.Thumbnail.Format, cfg.Thumbnail.Quality)
	if err != nil {
		a.Close()
		return nil, err
	}

	leaseTTL := 2 * cfg.Thumbnail.MessageTimeout
	locks := redismanager.NewManager(conn.Holder(), "photothumb:lease", leaseTTL)

	a.Worker = derive.New(a.Store, conn, enc, derive.Config{
		Queue:           cfg.Worker.Stream,
		Originals:       cfg.Storage.Originals,
		Derivatives:     cfg.Storage.Derivatives,
		Width:           cfg.Thumbnail.Width,
		Height:          cfg.Thumbnail.Height,
		MessageTimeout:  cfg.Thumbnail.MessageTimeout,
		MaxSourceBytes:  cfg.Thumbnail.MaxSourceBytes,
		MaxSourcePixels: cfg.Thumbnail.MaxSourcePixels,
	}, log, derive.WithReporter(reporter), derive.WithLocker(locks))

	a.Ingester = ingest.New(a.Store, conn, ingest.Config{
		Bucket:   cfg.Storage.Originals,
		Queue:    cfg.Worker.Stream,
		MaxBytes: cfg.Thumbnail.MaxSourceBytes,
	}, log)

	h := handler.New(a.Ingester, a.Store, handler.Options{
		Buckets: map[string]string{
			"images": cfg.Storage.Originals,
			"thumbs": cfg.Storage.Derivatives,
		},
		Checks:    checks,
		Stats:     func() any { return a.Worker.Stats() },
		MaxUpload: cfg.Thumbnail.MaxSourceBytes,
	}, log)

	a.HttpServer = &http.Server{
		Handler:      router.NewRouter(h),
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return a, nil
}

func newBackend(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (blobstore.Backend, error) {
	switch cfg.Driver {
	case "s3":
		st, err := s3.New(ctx, cfg.S3, cfg.Download, log)
		if err != nil {
			return nil, err
		}
		// a missing bucket never heals by retrying messages
		if err := st.Ping(ctx); errors.Is(err, blobstore.ErrBucketNotFound) {
			return nil, err
		} else if err != nil {
			log.Warn("storage not reachable at startup", "err", err)
		}
		return st, nil
	case "minio":
		st, err := minio.New(cfg.Minio, log)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return st, nil
	case "", "memory":
		log.Warn("storage.driver is memory, blobs are lost on exit")
		return blobmem.NewBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Run serves HTTP and consumes triggers until ctx is canceled, then shuts
// both down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Conn.Holder().Watch(gctx, a.cfg.Redis.HealthCheckInterval, a.log)
		return nil
	})

	g.Go(func() error {
		return a.Worker.Run(gctx)
	})

	g.Go(func() error {
		a.log.Info("starting server", "addr", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.HttpServer.Shutdown(sctx)
	})

	err := g.Wait()
	a.Close()
	a.log.Info("stopped", "stats", a.Worker.Stats())
	return err
}

// RunWorker consumes triggers without the HTTP server.
func (a *App) RunWorker(ctx context.Context) error {
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Conn.Holder().Watch(gctx, a.cfg.Redis.HealthCheckInterval, a.log)
		return nil
	})
	g.Go(func() error {
		return a.Worker.Run(gctx)
	})
	return g.Wait()
}

// Close releases connections in reverse order. Safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
