package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ButyrinIA/feedsync/internal/config"
	"github.com/ButyrinIA/feedsync/internal/metrics"
	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/session"
	"github.com/ButyrinIA/feedsync/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Connector подключает пользователя по адресу кошелька.
type Connector interface {
	Connect(ctx context.Context, address string) (*models.Viewer, error)
}

// Server - релей ленты изменений: выдает токены и транслирует события по websocket.
type Server struct {
	cfg      *config.Config
	source   storage.Subscriber
	tokens   *session.Tokens
	profiles Connector
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(cfg *config.Config, source storage.Subscriber, tokens *session.Tokens, profiles Connector, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		source:   source,
		tokens:   tokens,
		profiles: profiles,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /token", s.handleToken)
	mux.HandleFunc("GET /feed", s.handleFeed)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run слушает порт из конфигурации до отмены ctx.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("релей запущен", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.profiles.Connect(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		if models.IsValidation(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("ошибка подключения профиля", slog.Any("error", err))
		http.Error(w, "Ошибка подключения профиля", http.StatusInternalServerError)
		return
	}

	token, err := s.tokens.Issue(viewer.Profile.ID)
	if err != nil {
		s.logger.Error("ошибка генерации токена", slog.Any("error", err))
		http.Error(w, "Ошибка генерации токена", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Token  string         `json:"token"`
		Viewer *models.Viewer `json:"viewer"`
	}{Token: token, Viewer: viewer})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// parseSubscription разбирает параметры подписки. Уведомления всегда ограничены получателем.
func parseSubscription(r *http.Request, userID string) (models.Table, []models.Operation, *models.EventFilter, error) {
	q := r.URL.Query()
	table := models.Table(q.Get("table"))
	if !table.Valid() {
		return "", nil, nil, models.NewValidationError("unknown table")
	}

	var ops []models.Operation
	if raw := q.Get("ops"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			op := models.Operation(strings.TrimSpace(name))
			if !op.Valid() {
				return "", nil, nil, models.NewValidationError("unknown operation " + string(op))
			}
			ops = append(ops, op)
		}
	}

	var filter *models.EventFilter
	if column := q.Get("column"); column != "" {
		filter = &models.EventFilter{Column: column, Value: q.Get("value")}
	}
	if table == models.TableNotifications {
		filter = &models.EventFilter{Column: "recipient_user_id", Value: userID}
	}
	return table, ops, filter, nil
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	userID, err := s.tokens.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "Требуется авторизация", http.StatusUnauthorized)
		return
	}
	table, ops, filter, err := parseSubscription(r, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.source.Subscribe(ctx, table, ops, filter)
	if err != nil {
		s.logger.Error("ошибка подписки", slog.String("table", string(table)), slog.Any("error", err))
		http.Error(w, "Ошибка подписки", http.StatusInternalServerError)
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ошибка обновления до websocket", slog.Any("error", err))
		return
	}
	defer conn.Close()

	metrics.RelayConnections.Inc()
	defer metrics.RelayConnections.Dec()

	logger := s.logger.With(slog.String("user_id", userID), slog.String("table", string(table)))
	logger.Info("подписчик подключен")

	// Чтение нужно только для обработки close и pong
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn("ошибка отправки события", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			logger.Info("подписчик отключен")
			return
		}
	}
}
