package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ButyrinIA/feedsync/internal/feed"
	"github.com/ButyrinIA/feedsync/internal/metrics"
	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/normalize"
	"github.com/ButyrinIA/feedsync/internal/notification"
	"github.com/ButyrinIA/feedsync/internal/session"
	"github.com/ButyrinIA/feedsync/internal/storage"
)

// stream - одна подписка на ленту изменений.
type stream struct {
	table  models.Table
	ops    []models.Operation
	filter *models.EventFilter
}

// Hub подписывается на ленту изменений и передает нормализованные события
// в ленту и агрегатор уведомлений. Каждая подписка обрабатывается своей горутиной.
type Hub struct {
	source        storage.Subscriber
	normalizer    *normalize.Normalizer
	feed          *feed.Reconciler
	notifications *notification.Aggregator
	session       *session.Session
	logger        *slog.Logger

	mu     sync.Mutex
	subs   []storage.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func NewHub(source storage.Subscriber, normalizer *normalize.Normalizer, reconciler *feed.Reconciler,
	notifications *notification.Aggregator, sess *session.Session, opts ...Option) *Hub {
	h := &Hub{
		source:        source,
		normalizer:    normalizer,
		feed:          reconciler,
		notifications: notifications,
		session:       sess,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "realtime")
	return h
}

func (h *Hub) streams(viewerID string) []stream {
	out := []stream{
		{table: models.TablePosts, ops: []models.Operation{models.OpInsert}},
		{table: models.TableLikes, ops: []models.Operation{models.OpInsert, models.OpDelete}},
		{table: models.TableComments, ops: []models.Operation{models.OpInsert}},
		{table: models.TableProfiles, ops: []models.Operation{models.OpUpdate}},
	}
	if viewerID != "" {
		out = append(out,
			stream{
				table:  models.TableNotifications,
				ops:    []models.Operation{models.OpInsert},
				filter: &models.EventFilter{Column: "recipient_user_id", Value: viewerID},
			},
			stream{
				table:  models.TableFollows,
				ops:    []models.Operation{models.OpInsert, models.OpDelete},
				filter: &models.EventFilter{Column: "follower_id", Value: viewerID},
			},
		)
	}
	return out
}

// Start открывает подписки для текущего пользователя сессии.
// Повторный вызов сначала закрывает прежние подписки.
func (h *Hub) Start(ctx context.Context) error {
	h.Close()

	guard := h.session.Guard()
	subCtx, cancel := context.WithCancel(ctx)

	var subs []storage.Subscription
	for _, st := range h.streams(guard.ViewerID()) {
		sub, err := h.source.Subscribe(subCtx, st.table, st.ops, st.filter)
		if err != nil {
			cancel()
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return models.NewServiceError(fmt.Sprintf("subscribe %s", st.table), err)
		}
		subs = append(subs, sub)
	}

	h.mu.Lock()
	h.subs = subs
	h.cancel = cancel
	h.mu.Unlock()

	for _, sub := range subs {
		h.wg.Add(1)
		go h.consume(subCtx, sub, guard)
	}
	h.logger.Info("подписки на ленту изменений открыты",
		slog.Int("streams", len(subs)),
		slog.String("viewer_id", guard.ViewerID()))
	return nil
}

// Close закрывает подписки и ждет завершения обработчиков.
func (h *Hub) Close() {
	h.mu.Lock()
	subs, cancel := h.subs, h.cancel
	h.subs, h.cancel = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("ошибка отписки", slog.Any("error", err))
		}
	}
	h.wg.Wait()
}

func (h *Hub) consume(ctx context.Context, sub storage.Subscription, guard session.Guard) {
	defer h.wg.Done()
	for ev := range sub.Events() {
		h.handle(ctx, ev, guard)
	}
}

func (h *Hub) handle(ctx context.Context, ev models.ChangeEvent, guard session.Guard) {
	stream := string(ev.Table)
	defer func() {
		if r := recover(); r != nil {
			metrics.Event(stream, metrics.OutcomeInvalid)
			h.logger.Error("паника при обработке события",
				slog.String("table", stream),
				slog.Any("panic", r))
		}
	}()

	if !guard.Valid() {
		metrics.Event(stream, metrics.OutcomeDropped)
		return
	}

	event, err := h.normalizer.Normalize(ctx, ev)
	if err != nil {
		metrics.Event(stream, metrics.OutcomeInvalid)
		h.logger.Warn("некорректное событие отброшено",
			slog.String("table", stream),
			slog.String("operation", string(ev.Operation)),
			slog.Any("error", err))
		return
	}

	if h.route(event) {
		metrics.Event(stream, metrics.OutcomeApplied)
	} else {
		metrics.Event(stream, metrics.OutcomeIgnored)
	}
}

// route передает событие владельцу состояния и сообщает, изменило ли оно что-нибудь.
func (h *Hub) route(ev normalize.Event) bool {
	switch ev.Kind {
	case normalize.EventPost:
		return ev.Operation == models.OpInsert && h.feed.ApplyRemoteInsert(*ev.Post)
	case normalize.EventLike:
		return h.feed.ApplyLikeEvent(*ev.Like, ev.Operation)
	case normalize.EventComment:
		return ev.Operation == models.OpInsert && h.feed.ApplyCommentEvent(*ev.Comment)
	case normalize.EventNotification:
		return ev.Operation == models.OpInsert && h.notifications.ApplyRemoteInsert(*ev.Notification)
	case normalize.EventFollow:
		return h.feed.ApplyFollowEvent(*ev.Follow, ev.Operation)
	case normalize.EventProfile:
		own := h.session.UpdateProfile(*ev.Profile)
		return h.feed.UpdateAuthor(*ev.Profile) > 0 || own
	}
	return false
}
