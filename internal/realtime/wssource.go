package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/storage"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// WSSource получает ленту изменений от релея по websocket.
// Каждая подписка - отдельное соединение с /feed.
type WSSource struct {
	feedURL string
	token   string
	dialer  *websocket.Dialer
	buffer  int
	logger  *slog.Logger
}

type WSOption func(*WSSource)

func WithDialer(d *websocket.Dialer) WSOption {
	return func(s *WSSource) { s.dialer = d }
}

func WithSourceLogger(l *slog.Logger) WSOption {
	return func(s *WSSource) { s.logger = l }
}

// NewWSSource создает источник для адреса вида ws://host:port/feed.
func NewWSSource(feedURL, token string, opts ...WSOption) *WSSource {
	s := &WSSource{
		feedURL: feedURL,
		token:   token,
		dialer:  websocket.DefaultDialer,
		buffer:  storage.DefaultBuffer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ws_source")
	return s
}

var _ storage.Subscriber = (*WSSource)(nil)

func (s *WSSource) Subscribe(ctx context.Context, table models.Table, ops []models.Operation, filter *models.EventFilter) (storage.Subscription, error) {
	u, err := url.Parse(s.feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("table", string(table))
	if len(ops) > 0 {
		names := make([]string, 0, len(ops))
		for _, op := range ops {
			names = append(names, string(op))
		}
		q.Set("ops", strings.Join(names, ","))
	}
	if filter != nil && filter.Column != "" {
		q.Set("column", filter.Column)
		q.Set("value", filter.Value)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, models.NewUnauthorizedError("relay rejected token")
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	sub := &wsSubscription{
		conn:   conn,
		ch:     make(chan models.ChangeEvent, s.buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: s.logger.With(slog.String("table", string(table))),
	}
	go sub.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	ch     chan models.ChangeEvent
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *wsSubscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *wsSubscription) readLoop() {
	defer func() {
		close(s.ch)
		close(s.done)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.quit:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("соединение с релеем разорвано", slog.Any("error", err))
				}
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev models.ChangeEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.logger.Warn("не удалось разобрать событие", slog.Any("error", err))
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.quit:
			return
		}
	}
}
