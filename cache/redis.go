package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcusVH98/SAM2-GUI/metrics"
	"github.com/MarcusVH98/SAM2-GUI/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options redis 连接参数
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Extraction 一次抽帧的缓存记录
type Extraction struct {
	OutDir     string    `json:"out_dir"`
	FrameCount int       `json:"frame_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// FrameCache 以 视频内容+抽帧参数 为键缓存抽帧结果
//
// nil 的 FrameCache 可以直接使用, 所有查询都视为未命中
type FrameCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewFrameCache 连接 redis, 连接失败时返回错误
func NewFrameCache(ctx context.Context, opts Options, logger *zap.Logger) (*FrameCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 redis 失败(%s): %w", opts.Addr, err)
	}
	return &FrameCache{client: client, ttl: opts.TTL, logger: logger}, nil
}

// Key 缓存键, frames:<视频md5>:<参数md5>
func Key(videoMD5, params string) string {
	return "frames:" + videoMD5 + ":" + utils.StringMD5(params)
}

// Lookup 查询抽帧记录
//
// # Params:
//
//	videoPath: 视频路径, 按文件内容计算 md5
//	params: 抽帧参数的规范化字符串
func (c *FrameCache) Lookup(ctx context.Context, videoPath, params string) (*Extraction, bool) {
	if c == nil {
		return nil, false
	}
	key, err := c.key(videoPath, params)
	if err != nil {
		c.logger.Warn("frame cache key failed", zap.String("video", videoPath), zap.Error(err))
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("frame cache get failed", zap.String("key", key), zap.Error(err))
		}
		metrics.ExtractionCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	var rec Extraction
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Error("failed to unmarshal extraction record", zap.String("key", key), zap.Error(err))
		metrics.ExtractionCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.ExtractionCacheTotal.WithLabelValues("hit").Inc()
	return &rec, true
}

// Store 写入抽帧记录
func (c *FrameCache) Store(ctx context.Context, videoPath, params string, rec Extraction) error {
	if c == nil {
		return nil
	}
	key, err := c.key(videoPath, params)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Invalidate 删除抽帧记录, 输出目录被删除时使用
func (c *FrameCache) Invalidate(ctx context.Context, videoPath, params string) error {
	if c == nil {
		return nil
	}
	key, err := c.key(videoPath, params)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

// Close 关闭连接
func (c *FrameCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *FrameCache) key(videoPath, params string) (string, error) {
	sum, err := utils.FileMD5(videoPath)
	if err != nil {
		return "", fmt.Errorf("计算视频 md5 失败: %w", err)
	}
	return Key(sum, params), nil
}
