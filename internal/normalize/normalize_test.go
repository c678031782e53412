package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProfiles struct {
	mock.Mock
}

func (m *mockProfiles) Profile(ctx context.Context, id string) (*models.Profile, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*models.Profile)
	return p, args.Error(1)
}

type mockContent struct {
	mock.Mock
}

func (m *mockContent) GetPost(ctx context.Context, id string) (*models.PostRecord, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*models.PostRecord)
	return p, args.Error(1)
}

func (m *mockContent) GetComment(ctx context.Context, id string) (*models.CommentRow, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*models.CommentRow)
	return c, args.Error(1)
}

func mustEvent(t *testing.T, table models.Table, op models.Operation, record, old any) models.ChangeEvent {
	t.Helper()
	ev, err := models.NewChangeEvent(table, op, record, old)
	require.NoError(t, err)
	return ev
}

func strPtr(s string) *string { return &s }

func TestNormalizePost(t *testing.T) {
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	row := models.PostRow{ID: "p1", UserID: "alice", Content: "hello", CreatedAt: created}

	t.Run("Author resolved by lookup", func(t *testing.T) {
		profiles := new(mockProfiles)
		profiles.On("Profile", mock.Anything, "alice").
			Return(&models.Profile{ID: "alice", Username: "alice", DisplayName: "Alice"}, nil).Once()

		ev, err := New(profiles).Normalize(context.Background(), mustEvent(t, models.TablePosts, models.OpInsert, row, nil))
		require.NoError(t, err)
		require.Equal(t, EventPost, ev.Kind)
		assert.Equal(t, "Alice", ev.Post.Author.Name)
		assert.False(t, ev.Post.Author.Placeholder)
		assert.Equal(t, 0, ev.Post.LikeCount)
		assert.Equal(t, 0, ev.Post.CommentCount)
		assert.Equal(t, models.FormatPostTime(created), ev.Post.Timestamp)
		profiles.AssertExpectations(t)
	})

	t.Run("Lookup failure degrades to placeholder", func(t *testing.T) {
		profiles := new(mockProfiles)
		profiles.On("Profile", mock.Anything, "alice").Return(nil, errors.New("timeout"))

		ev, err := New(profiles).Normalize(context.Background(), mustEvent(t, models.TablePosts, models.OpInsert, row, nil))
		require.NoError(t, err, "Сбой поиска профиля не должен отбрасывать событие")
		assert.Equal(t, models.PlaceholderAuthor("alice"), ev.Post.Author)
		assert.Equal(t, "Unknown User", ev.Post.Author.Name)
	})

	t.Run("Embedded author skips lookup", func(t *testing.T) {
		profiles := new(mockProfiles)
		rec := models.PostRecord{PostRow: row, Author: &models.Profile{ID: "alice", Username: "alice"}}

		ev, err := New(profiles).Normalize(context.Background(), mustEvent(t, models.TablePosts, models.OpInsert, rec, nil))
		require.NoError(t, err)
		assert.Equal(t, "alice", ev.Post.Author.Name, "Пустое имя берется из username")
		profiles.AssertNotCalled(t, "Profile", mock.Anything, mock.Anything)
	})
}

func TestNormalizeLikeAndFollow(t *testing.T) {
	n := New(nil)

	t.Run("Like delete uses old record", func(t *testing.T) {
		ev, err := n.Normalize(context.Background(),
			mustEvent(t, models.TableLikes, models.OpDelete, nil, models.LikeRow{PostID: "p1", UserID: "bob"}))
		require.NoError(t, err)
		assert.Equal(t, EventLike, ev.Kind)
		assert.Equal(t, models.OpDelete, ev.Operation)
		assert.Equal(t, "p1", ev.Like.PostID)
		assert.Equal(t, "bob", ev.Like.UserID)
	})

	t.Run("Follow insert", func(t *testing.T) {
		ev, err := n.Normalize(context.Background(),
			mustEvent(t, models.TableFollows, models.OpInsert, models.FollowRow{FollowerID: "a", FolloweeID: "b"}, nil))
		require.NoError(t, err)
		assert.Equal(t, &models.Follow{FollowerID: "a", FolloweeID: "b"}, ev.Follow)
	})

	t.Run("Malformed events rejected", func(t *testing.T) {
		_, err := n.Normalize(context.Background(), models.ChangeEvent{Table: models.TableLikes, Operation: models.OpInsert, Record: []byte(`{"post_id":`)})
		assert.Error(t, err)

		_, err = n.Normalize(context.Background(), models.ChangeEvent{Table: "wallets", Operation: models.OpInsert, Record: []byte(`{}`)})
		assert.ErrorContains(t, err, "unknown table")

		_, err = n.Normalize(context.Background(), models.ChangeEvent{Table: models.TableLikes, Operation: models.OpDelete})
		assert.ErrorContains(t, err, "no record")
	})
}

func TestNormalizeComment(t *testing.T) {
	profiles := new(mockProfiles)
	profiles.On("Profile", mock.Anything, "ghost").Return(nil, models.ErrNotFound)

	row := models.CommentRow{ID: "c1", PostID: "p1", UserID: "ghost", Content: "nice"}
	ev, err := New(profiles).Normalize(context.Background(), mustEvent(t, models.TableComments, models.OpInsert, row, nil))
	require.NoError(t, err)
	assert.Equal(t, EventComment, ev.Kind)
	assert.True(t, ev.Comment.Author.Placeholder)
	assert.Equal(t, models.IdenticonURL("ghost"), ev.Comment.Author.Avatar)
}

func TestNormalizeNotification(t *testing.T) {
	row := models.NotificationRow{
		ID: "n1", RecipientID: "alice", ActorID: "bob", Type: models.KindComment,
		PostID: strPtr("p1"), CommentID: strPtr("c1"),
	}

	t.Run("Actor and comment snippet resolved", func(t *testing.T) {
		profiles := new(mockProfiles)
		profiles.On("Profile", mock.Anything, "bob").Return(&models.Profile{ID: "bob", DisplayName: "Bob"}, nil)
		content := new(mockContent)
		content.On("GetPost", mock.Anything, "p1").Return(&models.PostRecord{PostRow: models.PostRow{Content: "hello"}}, nil)
		content.On("GetComment", mock.Anything, "c1").Return(&models.CommentRow{Content: "a comment that is long enough to be cut off by the snippet limit"}, nil)

		ev, err := New(profiles, WithContentLookup(content), WithSnippetLength(10)).
			Normalize(context.Background(), mustEvent(t, models.TableNotifications, models.OpInsert, row, nil))
		require.NoError(t, err)
		require.Equal(t, EventNotification, ev.Kind)
		assert.Equal(t, "Bob", ev.Notification.Actor.Name)
		assert.Equal(t, "a comment ...", ev.Notification.Snippet)
		assert.False(t, ev.Notification.Read)
	})

	t.Run("Missing post still keeps actor", func(t *testing.T) {
		profiles := new(mockProfiles)
		profiles.On("Profile", mock.Anything, "bob").Return(&models.Profile{ID: "bob", DisplayName: "Bob"}, nil)
		content := new(mockContent)
		content.On("GetPost", mock.Anything, "p1").Return(nil, models.ErrNotFound)

		like := row
		like.Type = models.KindLike
		like.CommentID = nil
		ev, err := New(profiles, WithContentLookup(content)).
			Normalize(context.Background(), mustEvent(t, models.TableNotifications, models.OpInsert, like, nil))
		require.NoError(t, err)
		assert.Equal(t, "Bob", ev.Notification.Actor.Name)
		assert.Empty(t, ev.Notification.Snippet)
	})

	t.Run("Stored snippet wins", func(t *testing.T) {
		profiles := new(mockProfiles)
		profiles.On("Profile", mock.Anything, "bob").Return(nil, errors.New("down"))
		content := new(mockContent)

		stored := row
		stored.ContentSnippet = strPtr("stored")
		ev, err := New(profiles, WithContentLookup(content)).
			Normalize(context.Background(), mustEvent(t, models.TableNotifications, models.OpInsert, stored, nil))
		require.NoError(t, err)
		assert.Equal(t, "stored", ev.Notification.Snippet)
		assert.True(t, ev.Notification.Actor.Placeholder)
		content.AssertNotCalled(t, "GetPost", mock.Anything, mock.Anything)
	})
}

func TestPostRecord(t *testing.T) {
	rec := models.PostRecord{
		PostRow:      models.PostRow{ID: "p1", UserID: "alice", Content: "hi"},
		LikerIDs:     []string{"bob", "carol"},
		CommentCount: 4,
	}

	post := Post(rec, "carol")
	assert.Equal(t, 2, post.LikeCount)
	assert.True(t, post.LikedByViewer)
	assert.Equal(t, 4, post.CommentCount)
	assert.False(t, post.AreCommentsFetched)
	assert.True(t, post.Author.Placeholder)

	assert.False(t, Post(rec, "").LikedByViewer)
}
