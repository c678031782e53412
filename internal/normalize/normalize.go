package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ButyrinIA/feedsync/internal/metrics"
	"github.com/ButyrinIA/feedsync/internal/models"
)

// ProfileLookup разрешает профиль автора по ID.
type ProfileLookup interface {
	Profile(ctx context.Context, id string) (*models.Profile, error)
}

// ContentLookup достает текст поста или комментария для сниппета уведомления.
type ContentLookup interface {
	GetPost(ctx context.Context, id string) (*models.PostRecord, error)
	GetComment(ctx context.Context, id string) (*models.CommentRow, error)
}

type EventKind string

const (
	EventPost         EventKind = "post"
	EventLike         EventKind = "like"
	EventComment      EventKind = "comment"
	EventNotification EventKind = "notification"
	EventFollow       EventKind = "follow"
	EventProfile      EventKind = "profile"
)

// Event - каноническое событие. Заполнено ровно одно поле, соответствующее Kind.
type Event struct {
	Kind         EventKind
	Operation    models.Operation
	Post         *models.Post
	Like         *models.Like
	Comment      *models.Comment
	Notification *models.Notification
	Follow       *models.Follow
	Profile      *models.Profile
}

type Normalizer struct {
	profiles   ProfileLookup
	content    ContentLookup
	snippetLen int
	logger     *slog.Logger
}

type Option func(*Normalizer)

func WithContentLookup(c ContentLookup) Option {
	return func(n *Normalizer) { n.content = c }
}

func WithSnippetLength(length int) Option {
	return func(n *Normalizer) {
		if length > 0 {
			n.snippetLen = length
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

func New(profiles ProfileLookup, opts ...Option) *Normalizer {
	n := &Normalizer{profiles: profiles, snippetLen: models.SnippetLength, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "normalizer")
	return n
}

// Normalize декодирует событие ленты изменений в каноническую запись.
// Ошибка возвращается только для некорректного события; сбои поиска профилей
// и сниппетов деградируют до заглушек.
func (n *Normalizer) Normalize(ctx context.Context, ev models.ChangeEvent) (Event, error) {
	if !ev.Operation.Valid() {
		return Event{}, fmt.Errorf("unknown operation %q", ev.Operation)
	}
	payload := ev.Payload()
	if len(payload) == 0 || string(payload) == "null" {
		return Event{}, fmt.Errorf("%s %s event has no record", ev.Table, ev.Operation)
	}

	out := Event{Operation: ev.Operation}
	switch ev.Table {
	case models.TablePosts:
		var rec models.PostRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return Event{}, fmt.Errorf("decode post: %w", err)
		}
		if rec.Author == nil {
			rec.Author = n.lookupProfile(ctx, rec.UserID, "post_author")
		}
		post := Post(rec, "")
		out.Kind, out.Post = EventPost, &post

	case models.TableLikes:
		var row models.LikeRow
		if err := json.Unmarshal(payload, &row); err != nil {
			return Event{}, fmt.Errorf("decode like: %w", err)
		}
		out.Kind = EventLike
		out.Like = &models.Like{PostID: row.PostID, UserID: row.UserID, CreatedAt: row.CreatedAt}

	case models.TableComments:
		var rec models.CommentRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return Event{}, fmt.Errorf("decode comment: %w", err)
		}
		if rec.Author == nil {
			rec.Author = n.lookupProfile(ctx, rec.UserID, "comment_author")
		}
		comment := Comment(rec)
		out.Kind, out.Comment = EventComment, &comment

	case models.TableNotifications:
		var rec models.NotificationRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return Event{}, fmt.Errorf("decode notification: %w", err)
		}
		n.enrichNotification(ctx, &rec)
		notification := Notification(rec, n.snippetLen)
		out.Kind, out.Notification = EventNotification, &notification

	case models.TableFollows:
		var row models.FollowRow
		if err := json.Unmarshal(payload, &row); err != nil {
			return Event{}, fmt.Errorf("decode follow: %w", err)
		}
		out.Kind = EventFollow
		out.Follow = &models.Follow{FollowerID: row.FollowerID, FolloweeID: row.FolloweeID, CreatedAt: row.CreatedAt}

	case models.TableProfiles:
		var p models.Profile
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode profile: %w", err)
		}
		out.Kind, out.Profile = EventProfile, &p

	default:
		return Event{}, fmt.Errorf("unknown table %q", ev.Table)
	}
	return out, nil
}

// lookupProfile возвращает nil, если профиль не найден или поиск не удался.
func (n *Normalizer) lookupProfile(ctx context.Context, id, kind string) *models.Profile {
	if n.profiles == nil || id == "" {
		metrics.Degraded(kind)
		return nil
	}
	p, err := n.profiles.Profile(ctx, id)
	if err != nil {
		n.logger.Warn("профиль не разрешен, используется заглушка",
			slog.String("user_id", id), slog.String("kind", kind), slog.Any("error", err))
		metrics.Degraded(kind)
		return nil
	}
	return p
}

// enrichNotification дополняет уведомление актором и текстом связанных записей.
// Каждый поиск независим: сбой одного не мешает остальным.
func (n *Normalizer) enrichNotification(ctx context.Context, rec *models.NotificationRecord) {
	if rec.Actor == nil {
		rec.Actor = n.lookupProfile(ctx, rec.ActorID, "notification_actor")
	}
	if n.content == nil || (rec.ContentSnippet != nil && *rec.ContentSnippet != "") {
		return
	}
	if rec.PostID != nil && rec.PostContent == nil {
		post, err := n.content.GetPost(ctx, *rec.PostID)
		if err != nil {
			n.logger.Warn("пост уведомления не найден", slog.String("post_id", *rec.PostID), slog.Any("error", err))
			metrics.Degraded("notification_post")
		} else {
			rec.PostContent = &post.Content
		}
	}
	if rec.CommentID != nil && rec.CommentContent == nil {
		comment, err := n.content.GetComment(ctx, *rec.CommentID)
		if err != nil {
			n.logger.Warn("комментарий уведомления не найден", slog.String("comment_id", *rec.CommentID), slog.Any("error", err))
			metrics.Degraded("notification_comment")
		} else {
			rec.CommentContent = &comment.Content
		}
	}
}
