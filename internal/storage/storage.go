package storage

import (
	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// HistoryStore is the durable, append-only message log keyed by room.
type HistoryStore interface {
	// Append records msg and fills in its ID and CreatedAt when empty.
	Append(ctx context.Context, msg *models.ChatMessage) error
	// Query returns up to limit of the most recent messages of room,
	// ascending by creation time.
	Query(ctx context.Context, room string, limit int) ([]models.ChatMessage, error)
}

// Service is the HistoryStore backed by a SQL database through GORM,
// with an optional Redis cache of the most recent messages per room.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client

	// DefaultLimit applies when a query asks for no particular limit.
	DefaultLimit int
	// CacheSize is the number of recent messages kept per room in Redis.
	CacheSize int

	log  zerolog.Logger
	warm singleflight.Group
}

// NewStorageService Constructor. rdb may be nil to disable caching.
func NewStorageService(db *gorm.DB, rdb *redis.Client, defaultLimit, cacheSize int, log zerolog.Logger) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	return &Service{
		DB:           db,
		Redis:        rdb,
		DefaultLimit: defaultLimit,
		CacheSize:    cacheSize,
		log:          log.With().Str("component", "storage").Logger(),
	}
}

// Open connects to the history database using the named driver
// ("postgres" or "sqlite").
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		if dsn == "" {
			return nil, errors.New("storage: postgres requires a DSN")
		}
		dialector = postgres.Open(dsn)
	case "sqlite":
		if dsn == "" {
			dsn = "chatrelay.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	return db, nil
}

// Migrate creates or updates the history schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.ChatHistory{})
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database and Redis connections.
func (s *Service) Close() error {
	var errs []error
	if sqlDB, err := s.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	return errors.Join(errs...)
}

// Append stores msg in the history database and mirrors it into the cache.
func (s *Service) Append(ctx context.Context, msg *models.ChatMessage) error {
	history := models.NewChatHistory(*msg)

	if err := s.DB.WithContext(ctx).Create(&history).Error; err != nil {
		metrics.HistoryAppends.WithLabelValues("error").Inc()
		return fmt.Errorf("storage: append to room %s: %w", msg.Room, err)
	}
	metrics.HistoryAppends.WithLabelValues("ok").Inc()

	// GORM fills these through the BeforeCreate hook.
	msg.ID = history.ID
	msg.CreatedAt = history.CreatedAt

	s.cacheAppend(ctx, *msg)
	return nil
}

// Query returns the most recent messages of room in ascending creation order.
func (s *Service) Query(ctx context.Context, room string, limit int) ([]models.ChatMessage, error) {
	limit = s.clampLimit(limit)

	if s.cacheEnabled() && limit <= s.CacheSize {
		if msgs, ok := s.cachedRange(ctx, room, limit); ok {
			return msgs, nil
		}

		msgs, err := s.warmCache(ctx, room)
		if err == nil {
			return tail(msgs, limit), nil
		}
		s.log.Warn().Err(err).Str("room", room).Msg("cache warm failed, reading database")
	}

	return s.queryDB(ctx, room, limit)
}

func (s *Service) queryDB(ctx context.Context, room string, limit int) ([]models.ChatMessage, error) {
	var rows []models.ChatHistory

	// Newest first so LIMIT keeps the tail, then flip back to ascending.
	err := s.DB.WithContext(ctx).
		Where("room = ?", room).
		Order("created_at desc").
		Order("id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.log.Error().Err(err).Str("room", room).Msg("failed to query history")
		return nil, fmt.Errorf("storage: query room %s: %w", room, err)
	}
	slices.Reverse(rows)

	return lo.Map(rows, func(h models.ChatHistory, _ int) models.ChatMessage {
		return h.ToMessage()
	}), nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		limit = s.DefaultLimit
	}
	if limit > config.MaxHistoryLimit {
		limit = config.MaxHistoryLimit
	}
	return limit
}

func tail(msgs []models.ChatMessage, n int) []models.ChatMessage {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
