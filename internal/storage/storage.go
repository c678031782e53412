package storage

import (
	"context"

	"github.com/ButyrinIA/feedsync/internal/models"
)

type PostStore interface {
	CreatePost(ctx context.Context, post *models.PostRow) (*models.PostRecord, error)
	GetPost(ctx context.Context, id string) (*models.PostRecord, error)
	ListPosts(ctx context.Context, q models.PostQuery) ([]models.PostRecord, error)
}

type LikeStore interface {
	InsertLike(ctx context.Context, like models.LikeRow) error
	DeleteLike(ctx context.Context, postID, userID string) error
}

type CommentStore interface {
	CreateComment(ctx context.Context, comment *models.CommentRow) (*models.CommentRecord, error)
	GetComment(ctx context.Context, id string) (*models.CommentRow, error)
	ListComments(ctx context.Context, postID string) ([]models.CommentRecord, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.NotificationRow) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]models.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string) error
}

type FollowStore interface {
	Follow(ctx context.Context, followerID, followeeID string) error
	Unfollow(ctx context.Context, followerID, followeeID string) error
	ListFollowing(ctx context.Context, followerID string) ([]string, error)
	CountFollows(ctx context.Context, userID string) (followers, following int, err error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProfilesByIDs(ctx context.Context, ids []string) (map[string]*models.Profile, error)
	GetProfileByAddress(ctx context.Context, address string) (*models.Profile, error)
	CreateProfile(ctx context.Context, p *models.Profile) error
	UpdateProfile(ctx context.Context, p *models.Profile) error
}

// Subscription - поток событий одной подписки. Unsubscribe закрывает канал.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Unsubscribe() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, table models.Table, ops []models.Operation, filter *models.EventFilter) (Subscription, error)
}

// Storage - сервис данных целиком.
type Storage interface {
	PostStore
	LikeStore
	CommentStore
	NotificationStore
	FollowStore
	ProfileStore
	Subscriber
	Close() error
}
