package app

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/battle"
	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/cache"
	"github.com/oggyb/battle-engine/internal/config"
)

// AppContext holds shared dependencies (DB, Redis, Logger, engine, hub, etc.)
type AppContext struct {
	Config     *config.Config
	DB         *gorm.DB
	RedisCache *cache.RedisCache
	Logger     *slog.Logger

	Battles *battle.Service
	Hub     *broadcast.Broadcaster
	Tokens  *auth.Tokens
}

// New creates a new AppContext. The engine, hub and token issuer are
// attached with the With* setters once they are built.
func New(cfg *config.Config, db *gorm.DB, rdb *cache.RedisCache, logger *slog.Logger) *AppContext {
	return &AppContext{
		Config:     cfg,
		DB:         db,
		RedisCache: rdb,
		Logger:     logger,
	}
}

func (a *AppContext) WithBattles(svc *battle.Service, hub *broadcast.Broadcaster) *AppContext {
	a.Battles = svc
	a.Hub = hub
	return a
}

func (a *AppContext) WithTokens(t *auth.Tokens) *AppContext {
	a.Tokens = t
	return a
}
