package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/storage/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore считает пакетные запросы профилей.
type countingStore struct {
	*memory.MemoryStorage
	mu      sync.Mutex
	batches [][]string
	failIDs error
}

func (s *countingStore) GetProfilesByIDs(ctx context.Context, ids []string) (map[string]*models.Profile, error) {
	s.mu.Lock()
	s.batches = append(s.batches, append([]string(nil), ids...))
	fail := s.failIDs
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return s.MemoryStorage.GetProfilesByIDs(ctx, ids)
}

func (s *countingStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, time.Minute), mr
}

func TestConnect(t *testing.T) {
	const address = "0x1234567890abcdef"

	t.Run("Creates default profile", func(t *testing.T) {
		svc := NewService(memory.New())

		viewer, err := svc.Connect(context.Background(), address)
		require.NoError(t, err, "Ошибка подключения")
		assert.Equal(t, "user_abcdef", viewer.Profile.Username)
		assert.Equal(t, "SUI User 1234", viewer.Profile.DisplayName)
		assert.Equal(t, models.IdenticonURL(address), viewer.Profile.AvatarURL)
		assert.Equal(t, defaultBio, viewer.Profile.Bio)
		assert.Equal(t, 0, viewer.Followers)
	})

	t.Run("Returns existing profile with counts", func(t *testing.T) {
		store := memory.New()
		svc := NewService(store)
		ctx := context.Background()

		first, err := svc.Connect(ctx, address)
		require.NoError(t, err)
		require.NoError(t, store.Follow(ctx, "someone", first.Profile.ID))

		second, err := svc.Connect(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, first.Profile.ID, second.Profile.ID, "Ожидался тот же профиль")
		assert.Equal(t, 1, second.Followers)
	})

	t.Run("Username conflict falls back to suffix", func(t *testing.T) {
		store := memory.New()
		ctx := context.Background()
		require.NoError(t, store.CreateProfile(ctx, &models.Profile{Username: "user_abcdef", WalletAddress: "0xother"}))

		viewer, err := NewService(store).Connect(ctx, address)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(viewer.Profile.Username, "user_abcdef_"))
		assert.Len(t, viewer.Profile.Username, len("user_abcdef_")+2)
	})

	t.Run("Empty address rejected", func(t *testing.T) {
		_, err := NewService(memory.New()).Connect(context.Background(), "  ")
		assert.True(t, models.IsValidation(err))
	})
}

func TestProfileLookup(t *testing.T) {
	t.Run("Concurrent lookups are batched", func(t *testing.T) {
		store := &countingStore{MemoryStorage: memory.New()}
		ctx := context.Background()
		ids := make([]string, 0, 3)
		for _, name := range []string{"alice", "bob", "carol"} {
			p := &models.Profile{Username: name, WalletAddress: "0x" + name}
			require.NoError(t, store.CreateProfile(ctx, p))
			ids = append(ids, p.ID)
		}
		svc := NewService(store)

		var wg sync.WaitGroup
		got := make([]*models.Profile, len(ids))
		for i, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := svc.Profile(ctx, id)
				assert.NoError(t, err)
				got[i] = p
			}()
		}
		wg.Wait()

		for i, p := range got {
			require.NotNil(t, p)
			assert.Equal(t, ids[i], p.ID)
		}
		assert.LessOrEqual(t, store.batchCount(), len(ids))
	})

	t.Run("Missing profile is not found", func(t *testing.T) {
		svc := NewService(memory.New())
		_, err := svc.Profile(context.Background(), "ghost")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Store failure propagates", func(t *testing.T) {
		store := &countingStore{MemoryStorage: memory.New(), failIDs: errors.New("connection reset")}
		_, err := NewService(store).Profile(context.Background(), "alice")
		assert.ErrorContains(t, err, "connection reset")
	})

	t.Run("Redis cache serves repeated lookups", func(t *testing.T) {
		store := &countingStore{MemoryStorage: memory.New()}
		ctx := context.Background()
		p := &models.Profile{Username: "alice", WalletAddress: "0xalice"}
		require.NoError(t, store.CreateProfile(ctx, p))

		cache, mr := newRedisCache(t)
		svc := NewService(store, WithCache(cache))

		_, err := svc.Profile(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, mr.Exists(cacheKeyPrefix+p.ID), "Профиль должен попасть в кэш")

		cached, err := svc.Profile(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", cached.Username)
		assert.Equal(t, 1, store.batchCount(), "Повторный запрос должен обслуживаться кэшем")
	})

	t.Run("Redis outage falls through to store", func(t *testing.T) {
		store := memory.New()
		ctx := context.Background()
		p := &models.Profile{Username: "alice", WalletAddress: "0xalice"}
		require.NoError(t, store.CreateProfile(ctx, p))

		cache, mr := newRedisCache(t)
		mr.Close()

		got, err := NewService(store, WithCache(cache)).Profile(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
	})
}

func TestUpdate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	cache, mr := newRedisCache(t)
	svc := NewService(store, WithCache(cache))

	viewer, err := svc.Connect(ctx, "0x1234567890abcdef")
	require.NoError(t, err)
	_, err = svc.Profile(ctx, viewer.Profile.ID)
	require.NoError(t, err)

	name := "Alice"
	updated, err := svc.Update(ctx, viewer.Profile.ID, Patch{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.DisplayName)
	assert.Equal(t, viewer.Profile.Username, updated.Username)
	assert.False(t, mr.Exists(cacheKeyPrefix+viewer.Profile.ID), "Кэш должен быть сброшен")

	empty := " "
	_, err = svc.Update(ctx, viewer.Profile.ID, Patch{Username: &empty})
	assert.True(t, models.IsValidation(err))

	_, err = svc.Update(ctx, "ghost", Patch{DisplayName: &name})
	assert.Error(t, err)
}
