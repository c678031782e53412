package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/storage"
	"github.com/graph-gophers/dataloader/v7"
)

const (
	defaultBio  = "New SuiSocial adventurer!"
	suffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Store - часть сервиса данных, нужная профилям.
type Store interface {
	storage.ProfileStore
	CountFollows(ctx context.Context, userID string) (followers, following int, err error)
}

// Patch - изменяемые поля профиля. nil означает "не менять".
type Patch struct {
	Username    *string
	DisplayName *string
	AvatarURL   *string
	Bio         *string
}

type Service struct {
	store  Store
	cache  Cache
	loader *dataloader.Loader[string, *models.Profile]
	logger *slog.Logger
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "profile")
	// Запросы профилей, пришедшие в течение окна, уходят в сервис данных одним пакетом.
	// Кэш загрузчика отключен: за свежесть отвечает Cache.
	s.loader = dataloader.NewBatchedLoader(s.batchProfiles,
		dataloader.WithWait[string, *models.Profile](2*time.Millisecond),
		dataloader.WithCache[string, *models.Profile](&dataloader.NoCache[string, *models.Profile]{}),
	)
	return s
}

func (s *Service) batchProfiles(ctx context.Context, ids []string) []*dataloader.Result[*models.Profile] {
	results := make([]*dataloader.Result[*models.Profile], len(ids))
	profiles, err := s.store.GetProfilesByIDs(ctx, ids)
	for i, id := range ids {
		switch {
		case err != nil:
			results[i] = &dataloader.Result[*models.Profile]{Error: err}
		case profiles[id] == nil:
			results[i] = &dataloader.Result[*models.Profile]{Error: models.ErrNotFound}
		default:
			results[i] = &dataloader.Result[*models.Profile]{Data: profiles[id]}
		}
	}
	return results
}

// Profile возвращает профиль по ID: сначала кэш, затем пакетный запрос.
// Ошибки кэша не прерывают поиск.
func (s *Service) Profile(ctx context.Context, id string) (*models.Profile, error) {
	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.Warn("ошибка чтения кэша профилей", slog.String("user_id", id), slog.Any("error", err))
		}
		if ok {
			return p, nil
		}
	}

	p, err := s.loader.Load(ctx, id)()
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.logger.Warn("ошибка записи кэша профилей", slog.String("user_id", id), slog.Any("error", err))
		}
	}
	return p, nil
}

// Connect находит профиль по адресу кошелька или создает новый.
func (s *Service) Connect(ctx context.Context, address string) (*models.Viewer, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, models.NewValidationError("wallet address is required")
	}

	p, err := s.store.GetProfileByAddress(ctx, address)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		p, err = s.create(ctx, address)
		if err != nil {
			return nil, err
		}
	default:
		return nil, models.NewServiceError("fetch profile", err)
	}

	followers, following, err := s.store.CountFollows(ctx, p.ID)
	if err != nil {
		return nil, models.NewServiceError("count follows", err)
	}
	return &models.Viewer{Profile: *p, Followers: followers, Following: following}, nil
}

func (s *Service) create(ctx context.Context, address string) (*models.Profile, error) {
	p := NewProfile(address)
	err := s.store.CreateProfile(ctx, p)
	if err == nil {
		s.logger.Info("создан профиль", slog.String("user_id", p.ID), slog.String("username", p.Username))
		return p, nil
	}
	if !errors.Is(err, models.ErrConflict) {
		return nil, models.NewServiceError("create profile", err)
	}

	// Профиль с этим адресом мог появиться параллельно
	if existing, lookupErr := s.store.GetProfileByAddress(ctx, address); lookupErr == nil {
		return existing, nil
	}

	fallback := *p
	fallback.ID = ""
	fallback.Username = p.Username + "_" + randomSuffix(2)
	s.logger.Info("имя пользователя занято, пробуем запасное", slog.String("username", fallback.Username))
	if err := s.store.CreateProfile(ctx, &fallback); err != nil {
		return nil, models.NewServiceError("create profile", err)
	}
	return &fallback, nil
}

// Update применяет изменения к профилю и сбрасывает его в кэше.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*models.Profile, error) {
	current, err := s.store.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewNotFoundError("profile")
		}
		return nil, models.NewServiceError("fetch profile", err)
	}

	updated := *current
	if patch.Username != nil {
		name := strings.TrimSpace(*patch.Username)
		if name == "" {
			return nil, models.NewValidationError("username cannot be empty")
		}
		updated.Username = name
	}
	if patch.DisplayName != nil {
		updated.DisplayName = strings.TrimSpace(*patch.DisplayName)
	}
	if patch.AvatarURL != nil {
		updated.AvatarURL = *patch.AvatarURL
	}
	if patch.Bio != nil {
		updated.Bio = *patch.Bio
	}

	if err := s.store.UpdateProfile(ctx, &updated); err != nil {
		return nil, models.NewServiceError("update profile", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, id); err != nil {
			s.logger.Warn("ошибка инвалидации кэша профилей", slog.String("user_id", id), slog.Any("error", err))
		}
	}
	return &updated, nil
}

// NewProfile строит профиль по умолчанию для нового адреса кошелька.
func NewProfile(address string) *models.Profile {
	tail := address
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	short := address
	if len(short) >= 6 {
		short = short[2:6]
	}
	return &models.Profile{
		WalletAddress: address,
		Username:      "user_" + tail,
		DisplayName:   fmt.Sprintf("SUI User %s", short),
		AvatarURL:     models.IdenticonURL(address),
		Bio:           defaultBio,
	}
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixChars[rand.IntN(len(suffixChars))]
	}
	return string(b)
}
