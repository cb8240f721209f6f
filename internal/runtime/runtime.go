// Package runtime bundles the process-wide collaborators every stage
// function needs, threaded explicitly through call arguments rather than
// reached for as package-level singletons — the same wiring shape as the
// teacher's cmd/quant/commands.initScheduler, generalized from one
// scheduler's dependencies to the full ETL engine's.
package runtime

import (
	"time"

	"github.com/ashare-data/etld/internal/calendar"
	"github.com/ashare-data/etld/internal/ratelimit"
	"github.com/ashare-data/etld/internal/runlog"
	"github.com/ashare-data/etld/internal/watermark"
	"github.com/ashare-data/etld/pkg/config"
	"github.com/ashare-data/etld/pkg/database"
	"github.com/ashare-data/etld/pkg/logger"
	"github.com/ashare-data/etld/pkg/rediscache"
)

// Context bundles the shared collaborators. It is constructed once at
// process start and passed by pointer to every Stage, Pipeline, and CLI
// command — there is no package-level global standing in for it.
type Context struct {
	Config     *config.Config
	Log        *logger.Logger
	DB         *database.DB
	Redis      *rediscache.Client
	RateLimits *ratelimit.Registry
	Clock      *calendar.Clock
	Watermarks *watermark.Store
	Guard      *runlog.Guard
}

// Build wires every collaborator from cfg. Stages and Pipelines are
// registered separately by the CLI layer, which owns domain wiring.
func Build(cfg *config.Config) (*Context, error) {
	log := logger.New(cfg)

	db, err := database.New(cfg)
	if err != nil {
		return nil, err
	}

	redisClient, err := rediscache.New(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	watermarkCache := rediscache.NewWatermarkCache(redisClient, "etld", 5*time.Minute)
	advisoryLock := rediscache.NewAdvisoryLock(redisClient, "etld")

	limiters := ratelimit.NewRegistry()
	for bucket, perMinute := range cfg.RateLimits {
		limiters.Configure(bucket, perMinute, perMinute)
	}

	calStore := calendar.NewStore(db.Pool, "SSE")
	clock := calendar.NewClock(calStore, nil, nil)

	return &Context{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Redis:      redisClient,
		RateLimits: limiters,
		Clock:      clock,
		Watermarks: watermark.New(db.Pool, watermarkCache),
		Guard:      runlog.New(db.Pool, advisoryLock),
	}, nil
}

// Close releases every collaborator that owns a connection.
func (c *Context) Close() {
	if c.Redis != nil {
		c.Redis.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
