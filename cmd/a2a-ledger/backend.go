package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	deliverymongo "goa.design/a2a-ledger/features/delivery/mongo"
	clientsmongo "goa.design/a2a-ledger/features/delivery/mongo/clients/mongo"
	"goa.design/a2a-ledger/features/delivery/replicated"
	"goa.design/a2a-ledger/features/delivery/sqlite"
	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/config"
	"goa.design/a2a-ledger/runtime/delivery/inmem"
)

type (
	// backend is an opened store with its health dependencies.
	backend struct {
		store   delivery.Store
		pingers []health.Pinger
		closers []func(context.Context) error
	}

	redisPinger struct {
		rdb *redis.Client
	}
)

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &backend{store: inmem.New()}, nil
	case config.BackendMongo:
		return openMongo(cfg.Mongo)
	case config.BackendRedis:
		return openRedis(ctx, cfg.Redis)
	case config.BackendSQLite:
		return openSQLite(cfg.SQLite)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func openMongo(cfg config.Mongo) (*backend, error) {
	cl, err := mongodriver.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	b := &backend{closers: []func(context.Context) error{cl.Disconnect}}
	c, err := clientsmongo.New(clientsmongo.Options{
		Client:   cl,
		Database: cfg.Database,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Join(err, b.Close(context.Background()))
	}
	s, err := deliverymongo.NewStore(c)
	if err != nil {
		return nil, errors.Join(err, b.Close(context.Background()))
	}
	b.store = s
	b.pingers = []health.Pinger{s}
	return b, nil
}

func openRedis(ctx context.Context, cfg config.Redis) (*backend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b := &backend{closers: []func(context.Context) error{func(context.Context) error { return rdb.Close() }}}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("connect to redis: %w", err), b.Close(ctx))
	}
	m, err := rmap.Join(ctx, cfg.MapName, rdb)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("join map %q: %w", cfg.MapName, err), b.Close(ctx))
	}
	// The map must stop before its Redis client closes.
	b.closers = append(b.closers, func(context.Context) error { m.Close(); return nil })
	b.store = replicated.New(m)
	b.pingers = []health.Pinger{redisPinger{rdb: rdb}}
	return b, nil
}

func openSQLite(cfg config.SQLite) (*backend, error) {
	s, err := sqlite.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &backend{
		store:   s,
		pingers: []health.Pinger{s},
		closers: []func(context.Context) error{func(context.Context) error { return s.Close() }},
	}, nil
}

// Close releases the backend resources in reverse order of acquisition.
func (b *backend) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
