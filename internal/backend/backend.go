// Package backend opens the configured persistence.Store for the stepwise
// binary.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepwise/internal/persistence"
)

// Settings selects and addresses a store. It mirrors the store section of
// the binary's configuration.
type Settings struct {
	Driver   string
	DSN      string
	Database string // mongo only
	Prefix   string // redis only
}

// CloseFunc releases the connections behind a store.
type CloseFunc func() error

func noopClose() error { return nil }

const connectTimeout = 10 * time.Second

// Open connects to the backend named by s.Driver and returns a ready store.
// The caller must call the returned CloseFunc when done.
func Open(ctx context.Context, s Settings) (persistence.Store, CloseFunc, error) {
	switch strings.ToLower(s.Driver) {
	case "memory":
		return persistence.NewInMemoryStore(), noopClose, nil
	case "sqlite":
		return openSQLite(ctx, s.DSN)
	case "postgres":
		return openPostgres(ctx, s.DSN)
	case "mongo":
		return openMongo(ctx, s.DSN, s.Database)
	case "redis":
		return openRedis(ctx, s.DSN, s.Prefix)
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
}

func openSQLite(ctx context.Context, dsn string) (persistence.Store, CloseFunc, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the claim relies on it.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("configure sqlite: %w", err)
	}
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

func openPostgres(ctx context.Context, dsn string) (persistence.Store, CloseFunc, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

func openMongo(ctx context.Context, uri, database string) (persistence.Store, CloseFunc, error) {
	if database == "" {
		database = "stepwise"
	}

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	disconnect := func() error { return client.Disconnect(context.Background()) }

	if err := client.Ping(connCtx, nil); err != nil {
		_ = disconnect()
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	store, err := persistence.NewMongoStore(connCtx, client, database)
	if err != nil {
		_ = disconnect()
		return nil, nil, err
	}
	return store, disconnect, nil
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(dsn string) (*redis.Options, error) {
	if strings.Contains(dsn, "://") {
		return redis.ParseURL(dsn)
	}
	return &redis.Options{Addr: dsn}, nil
}

func openRedis(ctx context.Context, dsn, prefix string) (persistence.Store, CloseFunc, error) {
	opts, err := redisOptions(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return persistence.NewRedisStore(client, prefix), client.Close, nil
}
