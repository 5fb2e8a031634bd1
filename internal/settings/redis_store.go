package settings

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/utils"
)

const key = "settings:recorder"

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Load reads the stored blob merged over defaults. A missing key yields the
// defaults; a corrupt blob is treated as a miss and deleted.
func (s *RedisStore) Load(ctx context.Context) (models.Settings, error) {
	out := models.DefaultSettings()

	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return out, nil
	}
	if err != nil {
		return out, utils.E(utils.CodeUnavailable, "SettingsStore.Load", "failed to load settings", err)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		_ = s.rdb.Del(ctx, key).Err()
		return models.DefaultSettings(), nil
	}
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, in models.Settings) error {
	b, err := json.Marshal(in)
	if err != nil {
		return utils.E(utils.CodeInternal, "SettingsStore.Save", "failed to encode settings", err)
	}
	if err := s.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return utils.E(utils.CodeUnavailable, "SettingsStore.Save", "failed to save settings", err)
	}
	return nil
}
