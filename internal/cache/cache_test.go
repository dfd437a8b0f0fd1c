package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/types"
)

func TestCacheKeys(t *testing.T) {
	targetID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	assert.Equal(t,
		"baseline:volume:6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		volumeBaselineKey(targetID))

	assert.Equal(t,
		"result:last:6ba7b810-9dad-11d1-80b4-00c04fd430c8:freshness",
		lastResultKey(targetID, types.CheckKindFreshness))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 24*time.Hour, cfg.BaselineTTL)
	assert.Equal(t, time.Hour, cfg.LastResultTTL)
	assert.Equal(t, 20, cfg.BaselineWindow)
}

func TestNewBaselineCache_NilConfigUsesDefaults(t *testing.T) {
	cache := NewBaselineCache(nil, nil)
	require.NotNil(t, cache.config)
	assert.Equal(t, 20, cache.config.BaselineWindow)
}

func TestNewRedisClient_Validation(t *testing.T) {
	_, err := NewRedisClient(nil)
	require.Error(t, err)

	// unreachable port fails the construction ping
	_, err = NewRedisClient(&config.RedisConfig{Host: "localhost", Port: 1, PoolSize: 1})
	require.Error(t, err)
}
