package models

import "time"

// Строки хранилища в том виде, в каком их отдает сервис данных.
// JSON-теги совпадают с именами колонок: так же выглядят записи в ленте изменений.

type PostRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	MediaURL  *string   `json:"media_url"`
	CreatedAt time.Time `json:"created_at"`
}

type LikeRow struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type CommentRow struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationRow struct {
	ID             string           `json:"id"`
	RecipientID    string           `json:"recipient_user_id"`
	ActorID        string           `json:"actor_user_id"`
	Type           NotificationKind `json:"type"`
	PostID         *string          `json:"post_id"`
	CommentID      *string          `json:"comment_id"`
	ContentSnippet *string          `json:"content_snippet"`
	IsRead         bool             `json:"is_read"`
	CreatedAt      time.Time        `json:"created_at"`
}

type FollowRow struct {
	FollowerID string    `json:"follower_id"`
	FolloweeID string    `json:"following_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// PostRecord - пост вместе с автором, лайками и количеством комментариев.
type PostRecord struct {
	PostRow
	Author       *Profile `json:"profiles"`
	LikerIDs     []string `json:"likes"`
	CommentCount int      `json:"comments_count"`
}

type CommentRecord struct {
	CommentRow
	Author *Profile `json:"profiles"`
}

// NotificationRecord - уведомление с актором и текстом связанного поста/комментария.
// Отсутствующие связи равны nil.
type NotificationRecord struct {
	NotificationRow
	Actor          *Profile `json:"actor"`
	PostContent    *string  `json:"post_content"`
	CommentContent *string  `json:"comment_content"`
}

// PostQuery - фильтр выборки постов. AuthorIDs == nil означает все посты.
type PostQuery struct {
	AuthorIDs []string
}
