package storage_test

import (
	"chatrelay/backend/internal/models"
	"chatrelay/backend/internal/storage"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCachedStore creates a history store over in-memory SQLite with an
// in-process Redis cache holding cacheSize messages per room.
func setupCachedStore(t *testing.T, cacheSize int) (*storage.Service, *miniredis.Miniredis) {
	t.Helper()

	db, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, storage.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := storage.NewStorageService(db, rdb, 50, cacheSize, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// appendTexts stores one message per text in room, a second apart.
func appendTexts(t *testing.T, s *storage.Service, room string, texts ...string) []models.ChatMessage {
	t.Helper()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	out := make([]models.ChatMessage, 0, len(texts))
	for i, text := range texts {
		msg := &models.ChatMessage{
			Room:      room,
			SenderID:  "user_A",
			Text:      text,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Append(context.Background(), msg))
		out = append(out, *msg)
	}
	return out
}

// wipeDatabase removes every stored row so later reads can only be
// answered by the cache.
func wipeDatabase(t *testing.T, s *storage.Service) {
	t.Helper()
	require.NoError(t, s.DB.Where("1 = 1").Delete(&models.ChatHistory{}).Error)
}

func textsOf(msgs []models.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestCache_ColdMissThenWarmRead(t *testing.T) {
	s, mr := setupCachedStore(t, 10)
	ctx := context.Background()
	appendTexts(t, s, "General", "m0", "m1", "m2")

	assert.False(t, mr.Exists("room:General:history:warm"))

	cold, err := s.Query(ctx, "General", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, textsOf(cold))
	assert.True(t, mr.Exists("room:General:history:warm"))

	wipeDatabase(t, s)

	warm, err := s.Query(ctx, "General", 2)
	require.NoError(t, err)
	assert.Equal(t, cold, warm)

	all, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2"}, textsOf(all))
}

func TestCache_AppendAfterWarm(t *testing.T) {
	s, _ := setupCachedStore(t, 10)
	ctx := context.Background()

	empty, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	appended := appendTexts(t, s, "General", "fresh")
	wipeDatabase(t, s)

	got, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, appended[0].ID, got[0].ID)
	assert.True(t, appended[0].CreatedAt.Equal(got[0].CreatedAt))
}

func TestCache_TrimsToCacheSize(t *testing.T) {
	s, mr := setupCachedStore(t, 3)
	ctx := context.Background()

	_, err := s.Query(ctx, "General", 3)
	require.NoError(t, err)
	appendTexts(t, s, "General", "m0", "m1", "m2", "m3", "m4")

	members, err := mr.ZMembers("room:General:history")
	require.NoError(t, err)
	assert.Len(t, members, 3)
	bodies, err := mr.HKeys("room:General:messages")
	require.NoError(t, err)
	assert.ElementsMatch(t, members, bodies, "trimmed ids lose their bodies too")

	wipeDatabase(t, s)
	got, err := s.Query(ctx, "General", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, textsOf(got))
}

func TestCache_LimitAboveCacheSizeReadsDatabase(t *testing.T) {
	s, _ := setupCachedStore(t, 2)
	ctx := context.Background()
	appendTexts(t, s, "General", "m0", "m1", "m2", "m3")

	_, err := s.Query(ctx, "General", 2)
	require.NoError(t, err)

	got, err := s.Query(ctx, "General", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, textsOf(got))
}

func TestCache_RedisOutageFallsBackToDatabase(t *testing.T) {
	s, mr := setupCachedStore(t, 10)
	ctx := context.Background()
	appendTexts(t, s, "General", "m0")

	mr.Close()

	appendTexts(t, s, "General", "m1")
	got, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Error(t, s.PingRedis(ctx))
}

func TestCache_MessageCachedTwiceIsReturnedOnce(t *testing.T) {
	s, _ := setupCachedStore(t, 10)
	ctx := context.Background()

	// Cached by the append while the room is still cold.
	appended := appendTexts(t, s, "General", "only once")

	// The database hands back the same instant in another encoding, as a
	// timestamptz column does.
	shifted := appended[0].CreatedAt.In(time.FixedZone("EET", 2*60*60))
	require.NoError(t, s.DB.Model(&models.ChatHistory{}).
		Where("id = ?", appended[0].ID).
		Update("created_at", shifted).Error)

	cold, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	require.Len(t, cold, 1)

	warm, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	require.Len(t, warm, 1)
	assert.Equal(t, appended[0].ID, warm[0].ID)
}

func TestCache_MissingBodyRebuildsFromDatabase(t *testing.T) {
	s, mr := setupCachedStore(t, 10)
	ctx := context.Background()
	msgs := appendTexts(t, s, "General", "m0", "m1")

	_, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	mr.HDel("room:General:messages", msgs[0].ID)

	got, err := s.Query(ctx, "General", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1"}, textsOf(got))

	bodies, err := mr.HKeys("room:General:messages")
	require.NoError(t, err)
	assert.Len(t, bodies, 2)
}

func TestCache_ConcurrentColdReadsAgree(t *testing.T) {
	s, _ := setupCachedStore(t, 10)
	ctx := context.Background()
	appendTexts(t, s, "General", "m0", "m1", "m2")

	var wg sync.WaitGroup
	results := make([][]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs, err := s.Query(ctx, "General", 10)
			results[i], errs[i] = textsOf(msgs), err
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i], fmt.Sprintf("reader %d", i))
		assert.Equal(t, []string{"m0", "m1", "m2"}, results[i])
	}
}

func TestCache_AppendNormalizesCreatedAt(t *testing.T) {
	s, _ := setupCachedStore(t, 10)
	msg := &models.ChatMessage{
		Room:      "General",
		SenderID:  "user_A",
		Text:      "hi",
		CreatedAt: time.Date(2024, 1, 1, 14, 0, 0, 987654321, time.FixedZone("EET", 2*60*60)),
	}

	require.NoError(t, s.Append(context.Background(), msg))

	assert.Equal(t, time.UTC, msg.CreatedAt.Location())
	assert.Equal(t, 987654000, msg.CreatedAt.Nanosecond())
}
