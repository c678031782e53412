package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("Пропуск теста с контейнером PostgreSQL в режиме -short")
	}

	// Запуск тестового контейнера PostgreSQL
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:13",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "feedsync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Не удалось запустить контейнер PostgreSQL: %v", err)
	}
	defer postgresC.Terminate(ctx)

	host, err := postgresC.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить хост контейнера: %v", err)
	}
	port, err := postgresC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить порт контейнера: %v", err)
	}
	dsn := "postgres://user:password@" + host + ":" + port.Port() + "/feedsync?sslmode=disable"

	store, err := New(dsn)
	if err != nil {
		t.Fatalf("Не удалось инициализировать PostgresStorage: %v", err)
	}
	defer store.Close()

	alice := &models.Profile{Username: "alice", DisplayName: "Alice", WalletAddress: "0xalice"}
	require.NoError(t, store.CreateProfile(ctx, alice))
	bob := &models.Profile{Username: "bob", DisplayName: "Bob", WalletAddress: "0xbob"}
	require.NoError(t, store.CreateProfile(ctx, bob))

	t.Run("CreatePost and GetPost", func(t *testing.T) {
		post := &models.PostRow{
			ID:        uuid.New().String(),
			UserID:    alice.ID,
			Content:   "Содержимое",
			CreatedAt: time.Now(),
		}

		created, err := store.CreatePost(ctx, post)
		assert.NoError(t, err, "Ошибка при создании поста")
		require.NotNil(t, created.Author)
		assert.Equal(t, "alice", created.Author.Username, "Автор поста не присоединен")

		retrieved, err := store.GetPost(ctx, post.ID)
		assert.NoError(t, err, "Ошибка при получении поста")
		assert.Equal(t, post.ID, retrieved.ID, "ID поста не совпадает")
		assert.Empty(t, retrieved.LikerIDs)
	})

	t.Run("GetPost Not Found", func(t *testing.T) {
		_, err := store.GetPost(ctx, "non-existent-id")
		assert.ErrorIs(t, err, models.ErrNotFound, "Ожидалась ошибка для несуществующего поста")
	})

	t.Run("Likes and comments are aggregated", func(t *testing.T) {
		post, err := store.CreatePost(ctx, &models.PostRow{UserID: alice.ID, Content: "hi"})
		require.NoError(t, err)

		require.NoError(t, store.InsertLike(ctx, models.LikeRow{PostID: post.ID, UserID: bob.ID}))
		assert.ErrorIs(t, store.InsertLike(ctx, models.LikeRow{PostID: post.ID, UserID: bob.ID}), models.ErrConflict)

		comment := &models.CommentRow{PostID: post.ID, UserID: bob.ID, Content: "Тестовый комментарий"}
		rec, err := store.CreateComment(ctx, comment)
		require.NoError(t, err, "Ошибка при создании комментария")
		require.NotNil(t, rec.Author)
		assert.Equal(t, "bob", rec.Author.Username)

		got, err := store.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{bob.ID}, got.LikerIDs)
		assert.Equal(t, 1, got.CommentCount)

		comments, err := store.ListComments(ctx, post.ID)
		require.NoError(t, err)
		require.Len(t, comments, 1, "Ожидался один комментарий")
		assert.Equal(t, comment.ID, comments[0].ID)

		require.NoError(t, store.DeleteLike(ctx, post.ID, bob.ID))
		assert.ErrorIs(t, store.DeleteLike(ctx, post.ID, bob.ID), models.ErrNotFound)
	})

	t.Run("ListPosts by author", func(t *testing.T) {
		_, err := store.CreatePost(ctx, &models.PostRow{UserID: bob.ID, Content: "bob post"})
		require.NoError(t, err)

		posts, err := store.ListPosts(ctx, models.PostQuery{AuthorIDs: []string{bob.ID}})
		require.NoError(t, err)
		require.NotEmpty(t, posts)
		for _, p := range posts {
			assert.Equal(t, bob.ID, p.UserID)
		}

		none, err := store.ListPosts(ctx, models.PostQuery{AuthorIDs: []string{}})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Notifications", func(t *testing.T) {
		post, err := store.CreatePost(ctx, &models.PostRow{UserID: alice.ID, Content: "hello"})
		require.NoError(t, err)
		postID := post.ID

		n := &models.NotificationRow{RecipientID: alice.ID, ActorID: bob.ID, Type: models.KindLike, PostID: &postID}
		require.NoError(t, store.CreateNotification(ctx, n))

		list, err := store.ListNotifications(ctx, alice.ID, models.NotificationPageSize)
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.Equal(t, n.ID, list[0].ID)
		require.NotNil(t, list[0].PostContent)
		assert.Equal(t, "hello", *list[0].PostContent)

		require.NoError(t, store.MarkAllNotificationsRead(ctx, alice.ID))
		list, err = store.ListNotifications(ctx, alice.ID, models.NotificationPageSize)
		require.NoError(t, err)
		assert.True(t, list[0].IsRead)
	})

	t.Run("Follows", func(t *testing.T) {
		require.NoError(t, store.Follow(ctx, alice.ID, bob.ID))
		assert.ErrorIs(t, store.Follow(ctx, alice.ID, alice.ID), models.ErrConflict)

		following, err := store.ListFollowing(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{bob.ID}, following)

		followers, _, err := store.CountFollows(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, followers)
	})

	t.Run("LISTEN delivers change events", func(t *testing.T) {
		subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		sub, err := store.Subscribe(subCtx, models.TableComments, []models.Operation{models.OpInsert}, nil)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		post, err := store.CreatePost(ctx, &models.PostRow{UserID: alice.ID, Content: "listen"})
		require.NoError(t, err)
		comment := &models.CommentRow{PostID: post.ID, UserID: bob.ID, Content: "событие"}
		_, err = store.CreateComment(ctx, comment)
		require.NoError(t, err)

		select {
		case ev := <-sub.Events():
			assert.Equal(t, models.TableComments, ev.Table)
			assert.Equal(t, models.OpInsert, ev.Operation)
			assert.Contains(t, string(ev.Record), comment.ID)
		case <-subCtx.Done():
			t.Fatal("Таймаут ожидания события")
		}
	})
}
