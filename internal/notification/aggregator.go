package notification

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ButyrinIA/feedsync/internal/metrics"
	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/normalize"
	"github.com/ButyrinIA/feedsync/internal/session"
)

type Store interface {
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]models.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string) error
}

// Aggregator держит последние уведомления текущего пользователя и счетчик непрочитанных.
// Счетчик считается по загруженной странице, а не по всем уведомлениям.
type Aggregator struct {
	store      Store
	session    *session.Session
	limit      int
	snippetLen int
	logger     *slog.Logger

	mu       sync.Mutex
	items    []models.Notification
	unread   int
	loadGen  uint64
	loading  bool
	buffered []models.Notification
}

type Option func(*Aggregator)

func WithLimit(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.limit = n
		}
	}
}

func WithSnippetLength(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.snippetLen = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

func New(store Store, sess *session.Session, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:      store,
		session:    sess,
		limit:      models.NotificationPageSize,
		snippetLen: models.SnippetLength,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "notifications")
	return a
}

// LoadInitial загружает последние уведомления текущего пользователя.
func (a *Aggregator) LoadInitial(ctx context.Context) error {
	guard := a.session.Guard()
	viewerID := guard.ViewerID()
	if viewerID == "" {
		return models.ErrNoViewer
	}

	a.mu.Lock()
	a.loadGen++
	gen := a.loadGen
	a.loading = true
	a.buffered = nil
	a.mu.Unlock()

	recs, err := a.store.ListNotifications(ctx, viewerID, a.limit)
	if err != nil || !guard.Valid() {
		a.mu.Lock()
		if gen == a.loadGen {
			a.loading = false
			a.buffered = nil
		}
		a.mu.Unlock()
		if err != nil {
			return models.NewServiceError("load notifications", err)
		}
		return models.ErrViewerChanged
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.loadGen {
		return nil
	}
	a.loading = false
	a.items = make([]models.Notification, 0, len(recs))
	a.unread = 0
	for _, rec := range recs {
		n := normalize.Notification(rec, a.snippetLen)
		a.items = append(a.items, n)
		if !n.Read {
			a.unread++
		}
	}
	for _, n := range a.buffered {
		a.prependLocked(n)
	}
	a.buffered = nil
	return nil
}

// ApplyRemoteInsert добавляет уведомление из ленты изменений в начало списка.
// Повторная доставка и чужие уведомления игнорируются.
func (a *Aggregator) ApplyRemoteInsert(n models.Notification) bool {
	viewerID := a.session.ViewerID()
	if viewerID == "" || n.RecipientID != viewerID {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.prependLocked(n) {
		return false
	}
	if a.loading {
		a.buffered = append(a.buffered, n)
	}
	return true
}

func (a *Aggregator) prependLocked(n models.Notification) bool {
	if slices.ContainsFunc(a.items, func(existing models.Notification) bool { return existing.ID == n.ID }) {
		return false
	}
	a.items = slices.Insert(a.items, 0, n)
	if !n.Read {
		a.unread++
	}
	for _, dropped := range a.items[min(len(a.items), a.limit):] {
		if !dropped.Read && a.unread > 0 {
			a.unread--
		}
	}
	if len(a.items) > a.limit {
		a.items = a.items[:a.limit]
	}
	return true
}

// MarkRead помечает уведомление прочитанным с откатом при ошибке.
func (a *Aggregator) MarkRead(ctx context.Context, id string) error {
	guard := a.session.Guard()
	if guard.ViewerID() == "" {
		return models.ErrNoViewer
	}

	a.mu.Lock()
	i := a.indexLocked(id)
	if i < 0 {
		a.mu.Unlock()
		return models.ErrNotificationNotFound
	}
	if a.items[i].Read {
		a.mu.Unlock()
		return nil
	}
	a.items[i].Read = true
	decremented := a.unread > 0
	if decremented {
		a.unread--
	}
	a.mu.Unlock()

	if err := a.store.MarkNotificationRead(ctx, id); err != nil {
		if !guard.Valid() {
			return models.ErrViewerChanged
		}
		a.mu.Lock()
		if i := a.indexLocked(id); i >= 0 {
			a.items[i].Read = false
		}
		if decremented {
			a.unread++
		}
		a.mu.Unlock()
		metrics.Rollback("mark_read")
		a.logger.Warn("отметка о прочтении откатена", slog.String("notification_id", id), slog.Any("error", err))
		return models.NewServiceError("mark notification read", err)
	}
	return nil
}

// MarkAllRead помечает все уведомления прочитанными; при ошибке восстанавливает прежнее состояние.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	guard := a.session.Guard()
	viewerID := guard.ViewerID()
	if viewerID == "" {
		return models.ErrNoViewer
	}

	a.mu.Lock()
	wasUnread := make(map[string]struct{})
	for i := range a.items {
		if !a.items[i].Read {
			wasUnread[a.items[i].ID] = struct{}{}
			a.items[i].Read = true
		}
	}
	prevUnread := a.unread
	a.unread = 0
	a.mu.Unlock()

	if err := a.store.MarkAllNotificationsRead(ctx, viewerID); err != nil {
		if !guard.Valid() {
			return models.ErrViewerChanged
		}
		a.mu.Lock()
		for i := range a.items {
			if _, ok := wasUnread[a.items[i].ID]; ok {
				a.items[i].Read = false
			}
		}
		// Уведомления, пришедшие во время запроса, уже учтены в a.unread
		a.unread += prevUnread
		a.mu.Unlock()
		metrics.Rollback("mark_all_read")
		a.logger.Warn("отметка всех уведомлений откатена", slog.Any("error", err))
		return models.NewServiceError("mark all notifications read", err)
	}
	return nil
}

func (a *Aggregator) Notifications() []models.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.items)
}

// UnreadCount - число непрочитанных среди видимых уведомлений.
func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loadGen++
	a.loading = false
	a.buffered = nil
	a.items = nil
	a.unread = 0
}

func (a *Aggregator) indexLocked(id string) int {
	return slices.IndexFunc(a.items, func(n models.Notification) bool { return n.ID == id })
}
