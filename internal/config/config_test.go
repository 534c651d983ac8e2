package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oggyb/battle-engine/internal/config"
)

func TestDefaults(t *testing.T) {
	for _, k := range []string{"BATTLE_VOTING_WINDOW", "SWEEP_INTERVAL", "SWEEP_USE_LOCK", "DB_DRIVER", "MYSQL_DSN", "HTTP_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg := config.New()

	assert.Equal(t, 24*time.Hour, cfg.Battle.VotingWindow)
	assert.Equal(t, 2*time.Hour, cfg.Battle.AcceptWindow)
	assert.Equal(t, 5*time.Second, cfg.Battle.TallyCacheTTL)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 100, cfg.Sweep.BatchSize)
	assert.True(t, cfg.Sweep.UseLock)
	assert.Equal(t, "mysql", cfg.DB.Driver)
	assert.Contains(t, cfg.DB.DSN, "parseTime=true")
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
}

func TestOverrides(t *testing.T) {
	t.Setenv("BATTLE_VOTING_WINDOW", "90m")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("SWEEP_BATCH_SIZE", "7")
	t.Setenv("SWEEP_USE_LOCK", "off")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_DSN", "file:test.db")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("JWT_TTL", "1h")

	cfg := config.New()

	assert.Equal(t, 90*time.Minute, cfg.Battle.VotingWindow)
	assert.Equal(t, 5*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 7, cfg.Sweep.BatchSize)
	assert.False(t, cfg.Sweep.UseLock)
	assert.Equal(t, "file:test.db", cfg.DB.DSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("BATTLE_ACCEPT_WINDOW", "soon")
	t.Setenv("SWEEP_LOCK_TTL", "-5s")

	cfg := config.New()

	assert.Equal(t, 2*time.Hour, cfg.Battle.AcceptWindow)
	assert.Equal(t, 30*time.Second, cfg.Sweep.LockTTL)
}
