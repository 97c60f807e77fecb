package storage

import (
	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// The cache keeps, per room, a sorted set of message ids scored by creation
// time and a hash from id to the encoded message. Keying by id makes a
// message written by an append and again by a warm-up the same entry.
// Reads trust the cache only while the warm marker exists, which is set
// after the set was filled from the database.

func roomHistoryKey(room string) string {
	return fmt.Sprintf("room:%s:history", room)
}

func roomMessagesKey(room string) string {
	return fmt.Sprintf("room:%s:messages", room)
}

func roomWarmKey(room string) string {
	return fmt.Sprintf("room:%s:history:warm", room)
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: ping redis: %w", err)
	}
	return client, nil
}

// PingRedis checks the cache connection. A disabled cache is healthy.
func (s *Service) PingRedis(ctx context.Context) error {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.Ping(ctx).Err()
}

func (s *Service) cacheEnabled() bool {
	return s.Redis != nil && s.CacheSize > 0
}

func (s *Service) cacheAppend(ctx context.Context, msg models.ChatMessage) {
	if !s.cacheEnabled() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	index, bodies := roomHistoryKey(msg.Room), roomMessagesKey(msg.Room)
	_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, index, redis.Z{Score: score(msg), Member: msg.ID})
		pipe.HSet(ctx, bodies, msg.ID, data)
		pipe.Expire(ctx, index, config.HistoryCacheTTL)
		pipe.Expire(ctx, bodies, config.HistoryCacheTTL)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("room", msg.Room).Msg("failed to cache message")
		return
	}
	s.trimCache(ctx, msg.Room)
}

// trimCache drops everything older than the newest CacheSize entries.
// Concurrent trims may pick the same ids; removing twice is harmless.
func (s *Service) trimCache(ctx context.Context, room string) {
	index := roomHistoryKey(room)
	stale, err := s.Redis.ZRange(ctx, index, 0, int64(-(s.CacheSize + 1))).Result()
	if err != nil || len(stale) == 0 {
		return
	}

	_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, index, lo.ToAnySlice(stale)...)
		pipe.HDel(ctx, roomMessagesKey(room), stale...)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("failed to trim cache")
	}
}

func (s *Service) cachedRange(ctx context.Context, room string, limit int) ([]models.ChatMessage, bool) {
	warm, err := s.Redis.Exists(ctx, roomWarmKey(room)).Result()
	if err != nil {
		metrics.HistoryCache.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Str("room", room).Msg("cache lookup failed")
		return nil, false
	}
	if warm == 0 {
		metrics.HistoryCache.WithLabelValues("miss").Inc()
		return nil, false
	}

	ids, err := s.Redis.ZRange(ctx, roomHistoryKey(room), int64(-limit), -1).Result()
	if err != nil {
		metrics.HistoryCache.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Str("room", room).Msg("cache range failed")
		return nil, false
	}
	if len(ids) == 0 {
		metrics.HistoryCache.WithLabelValues("hit").Inc()
		return []models.ChatMessage{}, true
	}

	vals, err := s.Redis.HMGet(ctx, roomMessagesKey(room), ids...).Result()
	if err != nil {
		metrics.HistoryCache.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Str("room", room).Msg("cache read failed")
		return nil, false
	}

	msgs := make([]models.ChatMessage, 0, len(vals))
	for _, v := range vals {
		// A body that expired or was trimmed under us; rebuild from the database.
		data, ok := v.(string)
		if !ok {
			metrics.HistoryCache.WithLabelValues("miss").Inc()
			return nil, false
		}
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			metrics.HistoryCache.WithLabelValues("error").Inc()
			return nil, false
		}
		msgs = append(msgs, msg)
	}

	metrics.HistoryCache.WithLabelValues("hit").Inc()
	return msgs, true
}

// warmCache loads the cached window of room from the database and stores it.
// Concurrent misses for the same room share one database read.
func (s *Service) warmCache(ctx context.Context, room string) ([]models.ChatMessage, error) {
	val, err, _ := s.warm.Do(room, func() (any, error) {
		msgs, err := s.queryDB(ctx, room, s.CacheSize)
		if err != nil {
			return nil, err
		}

		index, bodies := roomHistoryKey(room), roomMessagesKey(room)
		members := make([]redis.Z, 0, len(msgs))
		fields := make(map[string]any, len(msgs))
		for _, msg := range msgs {
			data, err := json.Marshal(msg)
			if err != nil {
				return nil, err
			}
			members = append(members, redis.Z{Score: score(msg), Member: msg.ID})
			fields[msg.ID] = string(data)
		}

		_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(members) > 0 {
				pipe.ZAdd(ctx, index, members...)
				pipe.HSet(ctx, bodies, fields)
				pipe.Expire(ctx, index, config.HistoryCacheTTL)
				pipe.Expire(ctx, bodies, config.HistoryCacheTTL)
			}
			pipe.Set(ctx, roomWarmKey(room), "1", config.HistoryCacheTTL)
			return nil
		})
		if err != nil {
			// The database answer is still good.
			s.log.Warn().Err(err).Str("room", room).Msg("failed to warm cache")
			return msgs, nil
		}
		s.trimCache(ctx, room)
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]models.ChatMessage), nil
}

func score(msg models.ChatMessage) float64 {
	return float64(msg.CreatedAt.UnixMilli())
}
