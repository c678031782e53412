package realtime

import (
	"context"
	"log/slog"

	"github.com/ButyrinIA/feedsync/internal/config"
	"github.com/ButyrinIA/feedsync/internal/engagement"
	"github.com/ButyrinIA/feedsync/internal/feed"
	"github.com/ButyrinIA/feedsync/internal/normalize"
	"github.com/ButyrinIA/feedsync/internal/notification"
	"github.com/ButyrinIA/feedsync/internal/session"
	"github.com/ButyrinIA/feedsync/internal/storage"
)

type ClientStore interface {
	feed.Store
	notification.Store
}

// Client связывает ленту, уведомления и подписку на изменения одного пользователя.
// Лимит уведомлений и длина сниппета берутся из секции feed конфигурации.
type Client struct {
	Session       *session.Session
	Feed          *feed.Reconciler
	Notifications *notification.Aggregator
	Hub           *Hub
}

func NewClient(cfg *config.Config, store ClientStore, source storage.Subscriber, profiles normalize.ProfileLookup, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{Session: session.New()}
	normalizer := normalize.New(profiles,
		normalize.WithContentLookup(store),
		normalize.WithSnippetLength(cfg.Feed.SnippetLength),
		normalize.WithLogger(logger))
	c.Feed = feed.New(store, engagement.New(), c.Session,
		feed.WithSnippetLength(cfg.Feed.SnippetLength),
		feed.WithLogger(logger))
	c.Notifications = notification.New(store, c.Session,
		notification.WithLimit(cfg.Feed.NotificationLimit),
		notification.WithSnippetLength(cfg.Feed.SnippetLength),
		notification.WithLogger(logger))
	c.Hub = NewHub(source, normalizer, c.Feed, c.Notifications, c.Session, WithLogger(logger))
	return c
}

// Start загружает ленту в режиме mode, уведомления и подписывается на изменения.
func (c *Client) Start(ctx context.Context, mode feed.Mode) error {
	if err := c.Feed.LoadInitial(ctx, mode); err != nil {
		return err
	}
	if err := c.Notifications.LoadInitial(ctx); err != nil {
		return err
	}
	return c.Hub.Start(ctx)
}

func (c *Client) Close() {
	c.Hub.Close()
}
