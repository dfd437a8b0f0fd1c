package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// Cache key prefixes
const (
	prefixVolumeBaseline = "baseline:volume"
	prefixLastResult     = "result:last"
)

// BaselineCache stores rolling volume baselines and the latest check results
// in Redis so the scheduler does not hit the metadata database on every tick
type BaselineCache struct {
	redis  *RedisClient
	config *Config
}

// Config holds baseline cache configuration
type Config struct {
	BaselineTTL   time.Duration `json:"baseline_ttl"`
	LastResultTTL time.Duration `json:"last_result_ttl"`
	// BaselineWindow is how many samples the rolling row-count average keeps
	BaselineWindow int `json:"baseline_window"`
}

// DefaultConfig returns default baseline cache configuration
func DefaultConfig() *Config {
	return &Config{
		BaselineTTL:    24 * time.Hour,
		LastResultTTL:  time.Hour,
		BaselineWindow: 20,
	}
}

// NewBaselineCache creates a new baseline cache
func NewBaselineCache(redis *RedisClient, config *Config) *BaselineCache {
	if config == nil {
		config = DefaultConfig()
	}

	return &BaselineCache{
		redis:  redis,
		config: config,
	}
}

func volumeBaselineKey(targetID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", prefixVolumeBaseline, targetID)
}

func lastResultKey(targetID uuid.UUID, kind types.CheckKind) string {
	return fmt.Sprintf("%s:%s:%s", prefixLastResult, targetID, kind)
}

// GetVolumeBaseline retrieves the cached row-count baseline for a target
func (c *BaselineCache) GetVolumeBaseline(ctx context.Context, targetID uuid.UUID) (*types.VolumeBaseline, error) {
	data, err := c.redis.Get(ctx, volumeBaselineKey(targetID))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("volume baseline")
		}
		return nil, err
	}

	var baseline types.VolumeBaseline
	if err := json.Unmarshal([]byte(data), &baseline); err != nil {
		return nil, errors.NewInternalError("failed to deserialize volume baseline").WithCause(err)
	}

	return &baseline, nil
}

// UpdateVolumeBaseline folds a new row-count observation into the rolling
// baseline and stores the result. Missing baselines start from the
// observation itself.
func (c *BaselineCache) UpdateVolumeBaseline(ctx context.Context, targetID uuid.UUID, rowCount int64) (*types.VolumeBaseline, error) {
	baseline, err := c.GetVolumeBaseline(ctx, targetID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return nil, err
		}
		baseline = &types.VolumeBaseline{TargetID: targetID, RowCount: rowCount}
	}

	samples := baseline.SampleCount
	if samples >= c.config.BaselineWindow {
		samples = c.config.BaselineWindow - 1
	}
	baseline.RowCount = (baseline.RowCount*int64(samples) + rowCount) / int64(samples+1)
	baseline.SampleCount = samples + 1
	baseline.LastUpdated = time.Now()

	data, err := json.Marshal(baseline)
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize volume baseline").WithCause(err)
	}

	if err := c.redis.Set(ctx, volumeBaselineKey(targetID), string(data), c.config.BaselineTTL); err != nil {
		return nil, err
	}

	return baseline, nil
}

// InvalidateVolumeBaseline drops the cached baseline so the next volume check
// rebuilds it from scratch
func (c *BaselineCache) InvalidateVolumeBaseline(ctx context.Context, targetID uuid.UUID) error {
	_, err := c.redis.Del(ctx, volumeBaselineKey(targetID))
	return err
}

// SetLastResult caches the latest check result for a target and kind
func (c *BaselineCache) SetLastResult(ctx context.Context, result *types.CheckResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.NewInternalError("failed to serialize check result").WithCause(err)
	}

	return c.redis.Set(ctx, lastResultKey(result.TargetID, result.Kind), string(data), c.config.LastResultTTL)
}

// GetLastResult retrieves the latest cached check result for a target and kind
func (c *BaselineCache) GetLastResult(ctx context.Context, targetID uuid.UUID, kind types.CheckKind) (*types.CheckResult, error) {
	data, err := c.redis.Get(ctx, lastResultKey(targetID, kind))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("check result")
		}
		return nil, err
	}

	var result types.CheckResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, errors.NewInternalError("failed to deserialize check result").WithCause(err)
	}

	return &result, nil
}
