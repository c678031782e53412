package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ButyrinIA/feedsync/internal/config"
	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/profile"
	"github.com/ButyrinIA/feedsync/internal/server"
	"github.com/ButyrinIA/feedsync/internal/session"
	"github.com/ButyrinIA/feedsync/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, store *memory.MemoryStorage) (feedURL string, tokens *session.Tokens) {
	t.Helper()
	cfg := config.Default()
	tokens = session.NewTokens(cfg.Server.TokenSecret, time.Hour)
	relay := httptest.NewServer(server.New(cfg, store, tokens, profile.NewService(store)).Handler())
	t.Cleanup(relay.Close)
	return "ws" + strings.TrimPrefix(relay.URL, "http") + "/feed", tokens
}

func TestWSSource(t *testing.T) {
	ctx := context.Background()

	t.Run("Delivers filtered events", func(t *testing.T) {
		store := memory.New()
		feedURL, tokens := startRelay(t, store)
		token, err := tokens.Issue("alice")
		require.NoError(t, err)

		source := NewWSSource(feedURL, token)
		sub, err := source.Subscribe(ctx, models.TableFollows, []models.Operation{models.OpInsert},
			&models.EventFilter{Column: "follower_id", Value: "alice"})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		alice := &models.Profile{ID: "alice", Username: "alice", WalletAddress: "0xalice"}
		bob := &models.Profile{ID: "bob", Username: "bob", WalletAddress: "0xbob"}
		carol := &models.Profile{ID: "carol", Username: "carol", WalletAddress: "0xcarol"}
		for _, p := range []*models.Profile{alice, bob, carol} {
			require.NoError(t, store.CreateProfile(ctx, p))
		}
		require.NoError(t, store.Follow(ctx, "bob", "carol"))
		require.NoError(t, store.Follow(ctx, "alice", "bob"))

		select {
		case ev := <-sub.Events():
			assert.Equal(t, models.TableFollows, ev.Table)
			assert.Contains(t, string(ev.Record), `"following_id":"bob"`)
		case <-time.After(2 * time.Second):
			t.Fatal("Событие подписки не получено")
		}
	})

	t.Run("Unsubscribe closes channel", func(t *testing.T) {
		store := memory.New()
		feedURL, tokens := startRelay(t, store)
		token, err := tokens.Issue("alice")
		require.NoError(t, err)

		sub, err := NewWSSource(feedURL, token).Subscribe(ctx, models.TablePosts, nil, nil)
		require.NoError(t, err)
		require.NoError(t, sub.Unsubscribe())

		_, open := <-sub.Events()
		assert.False(t, open)
	})

	t.Run("Rejected token", func(t *testing.T) {
		store := memory.New()
		feedURL, _ := startRelay(t, store)

		_, err := NewWSSource(feedURL, "bad-token").Subscribe(ctx, models.TablePosts, nil, nil)
		require.Error(t, err)
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, models.CodeUnauthorized, appErr.Code)
	})
}
