package models

import (
	"fmt"
	"time"
)

// Размер живого списка уведомлений и длина сниппета по умолчанию.
const (
	NotificationPageSize = 20
	SnippetLength        = 50
)

const (
	postTimeLayout    = "Jan 2, 15:04"
	commentTimeLayout = "15:04"
	identiconURL      = "https://api.dicebear.com/7.x/identicon/svg?seed=%s"
)

type Profile struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"sui_address"`
	Username      string    `json:"username"`
	DisplayName   string    `json:"display_name"`
	AvatarURL     string    `json:"avatar_url"`
	Bio           string    `json:"bio"`
	CreatedAt     time.Time `json:"created_at"`
}

// Viewer - текущий пользователь сессии вместе с агрегатами подписок.
type Viewer struct {
	Profile   Profile `json:"profile"`
	Followers int     `json:"followers"`
	Following int     `json:"following"`
}

// Author - проекция профиля, которую показывает UI.
type Author struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Username      string `json:"username"`
	Avatar        string `json:"avatar"`
	WalletAddress string `json:"sui_address,omitempty"`
	Placeholder   bool   `json:"placeholder,omitempty"`
}

type Post struct {
	ID                 string    `json:"id"`
	AuthorID           string    `json:"authorId"`
	Author             Author    `json:"user"`
	Content            string    `json:"content"`
	Media              *string   `json:"media,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	Timestamp          string    `json:"timestamp"`
	LikeCount          int       `json:"likes"`
	LikedByViewer      bool      `json:"isLikedByCurrentUser"`
	CommentCount       int       `json:"commentsCount"`
	Comments           []Comment `json:"comments"`
	AreCommentsFetched bool      `json:"areCommentsFetched"`
	ShareCount         int       `json:"sharesCount"`
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	AuthorID  string    `json:"authorId"`
	Author    Author    `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Timestamp string    `json:"created_at"`
}

type Like struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Follow struct {
	FollowerID string    `json:"followerId"`
	FolloweeID string    `json:"followeeId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type NotificationKind string

const (
	KindLike    NotificationKind = "like"
	KindComment NotificationKind = "comment"
	KindFollow  NotificationKind = "follow"
)

func (k NotificationKind) Valid() bool {
	switch k {
	case KindLike, KindComment, KindFollow:
		return true
	}
	return false
}

type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	ActorID     string           `json:"actorId"`
	Actor       Author           `json:"actor"`
	Kind        NotificationKind `json:"type"`
	PostID      *string          `json:"post_id,omitempty"`
	CommentID   *string          `json:"comment_id,omitempty"`
	Snippet     string           `json:"content_snippet"`
	Read        bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// IdenticonURL возвращает детерминированный аватар для seed.
func IdenticonURL(seed string) string {
	return fmt.Sprintf(identiconURL, seed)
}

// PlaceholderAuthor - заглушка на случай, когда профиль автора не найден.
func PlaceholderAuthor(authorID string) Author {
	return Author{
		ID:          authorID,
		Name:        "Unknown User",
		Username:    "unknown_user",
		Avatar:      IdenticonURL(authorID),
		Placeholder: true,
	}
}

// AuthorFromProfile строит проекцию автора, заполняя пустые поля.
// При p == nil возвращается заглушка для fallbackID.
func AuthorFromProfile(p *Profile, fallbackID string) Author {
	if p == nil {
		return PlaceholderAuthor(fallbackID)
	}
	a := Author{
		ID:            p.ID,
		Name:          p.DisplayName,
		Username:      p.Username,
		Avatar:        p.AvatarURL,
		WalletAddress: p.WalletAddress,
	}
	if a.ID == "" {
		a.ID = fallbackID
	}
	if a.Name == "" {
		a.Name = p.Username
	}
	if a.Name == "" {
		a.Name = "Unknown User"
	}
	if a.Username == "" {
		a.Username = "unknown_user"
	}
	if a.Avatar == "" {
		seed := p.WalletAddress
		if seed == "" {
			seed = a.ID
		}
		a.Avatar = IdenticonURL(seed)
	}
	return a
}

func FormatPostTime(t time.Time) string {
	return t.Local().Format(postTimeLayout)
}

func FormatCommentTime(t time.Time) string {
	return t.Local().Format(commentTimeLayout)
}

// Snippet обрезает текст до n рун.
func Snippet(text string, n int) string {
	if n <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
