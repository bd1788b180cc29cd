// Package bootstrap connects the shared infrastructure used by the grader binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/queue"
)

// Infra holds the connections a grader process needs.
type Infra struct {
	DB        *gorm.DB
	Redis     *redis.Client
	NATS      *nats.Conn
	Queue     *queue.RedisClient
	Publisher *events.BrokerPublisher
}

// Connect opens Postgres, Redis, the job queue and the optional NATS connection.
// migrate runs the schema migration before returning.
func Connect(ctx context.Context, cfg config.Config, name string, migrate bool, logger zerolog.Logger) (*Infra, error) {
	infra := &Infra{}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	infra.DB = db
	if migrate {
		if err := database.Migrate(db); err != nil {
			infra.Close()
			return nil, err
		}
	}

	infra.Redis, err = database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		infra.Close()
		return nil, err
	}

	infra.NATS, err = database.ConnectNATS(cfg.NATSURL, name, logger)
	if err != nil {
		infra.Close()
		return nil, err
	}

	infra.Queue = queue.NewRedisClient(infra.Redis, cfg.QueueOptions(), logger)
	if err := infra.Queue.Open(ctx); err != nil {
		infra.Close()
		return nil, fmt.Errorf("open job queue: %w", err)
	}

	infra.Publisher = events.NewBrokerPublisher(infra.Redis, cfg.EventChannel, infra.NATS, logger)
	return infra, nil
}

// HealthChecks returns dependency checks for the health endpoint.
func (i *Infra) HealthChecks() []handler.HealthCheck {
	checks := []handler.HealthCheck{
		{Name: "database", Ping: func(ctx context.Context) error {
			sqlDB, err := i.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		{Name: "redis", Ping: func(ctx context.Context) error {
			return i.Redis.Ping(ctx).Err()
		}},
	}
	if i.NATS != nil {
		checks = append(checks, handler.HealthCheck{Name: "nats", Ping: func(context.Context) error {
			if !i.NATS.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}
	return checks
}

// Close releases every opened connection. The queue shares the Redis client.
func (i *Infra) Close() {
	if i.NATS != nil {
		i.NATS.Close()
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.DB != nil {
		if sqlDB, err := i.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
