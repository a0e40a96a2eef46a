package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStoreConfig Redis 存储后端配置
type RedisStoreConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	KeyPrefix  string        `mapstructure:"key_prefix"`  // 键前缀，默认 "tradescout:cache:"
	MaxEntryTT time.Duration `mapstructure:"max_ttl"`     // Redis 层兜底过期时间
	ScanCount  int64         `mapstructure:"scan_count"`  // SCAN 批大小
}

// RedisStore 基于 Redis 的存储后端。
// 条目以 JSON 序列化存放，Payload 在读取后为 JSON 解码形态
// （结构化负载可用 market 包的辅助函数还原）。
type RedisStore struct {
	client *redis.Client
	prefix string
	maxTTL time.Duration
	scan   int64
}

// NewRedisStore 创建 Redis 存储并验证连通性
func NewRedisStore(ctx context.Context, config RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "tradescout:cache:"
	}
	maxTTL := config.MaxEntryTT
	if maxTTL <= 0 {
		maxTTL = 31 * 24 * time.Hour
	}
	scan := config.ScanCount
	if scan <= 0 {
		scan = 100
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		maxTTL: maxTTL,
		scan:   scan,
	}, nil
}

// Get 获取条目。反序列化失败返回 ErrEntryCorrupted，由上层删除
func (rs *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := rs.client.Get(ctx, rs.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, ErrEntryCorrupted
	}
	return &entry, nil
}

// Set 写入条目，附带 Redis 层兜底过期
func (rs *RedisStore) Set(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("entry marshal failed: %w", err)
	}
	return rs.client.Set(ctx, rs.prefix+entry.Key, data, rs.maxTTL).Err()
}

// Delete 删除条目
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, rs.prefix+key).Err()
}

// Entries 扫描所有条目。损坏的条目被就地删除，不出现在结果中
func (rs *RedisStore) Entries(ctx context.Context) ([]*Entry, error) {
	var result []*Entry
	var cursor uint64

	for {
		keys, next, err := rs.client.Scan(ctx, cursor, rs.prefix+"*", rs.scan).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan failed: %w", err)
		}

		for _, fullKey := range keys {
			data, err := rs.client.Get(ctx, fullKey).Bytes()
			if err != nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				_ = rs.client.Del(ctx, fullKey).Err()
				continue
			}
			result = append(result, &entry)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

// Clear 清空带前缀的所有键
func (rs *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, rs.prefix+"*", rs.scan).Result()
		if err != nil {
			return fmt.Errorf("redis scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := rs.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close 关闭 Redis 连接
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

var _ Store = (*RedisStore)(nil)
