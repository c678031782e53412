package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/storage"
	"github.com/google/uuid"
)

// MemoryStorage - сервис данных в памяти процесса с лентой изменений.
type MemoryStorage struct {
	profiles      map[string]*models.Profile
	byAddress     map[string]string
	usernames     map[string]string
	posts         map[string]*models.PostRow
	likes         map[string]map[string]models.LikeRow
	comments      map[string][]*models.CommentRow
	commentByID   map[string]*models.CommentRow
	notifications map[string]*models.NotificationRow
	follows       map[string]map[string]time.Time
	mu            sync.RWMutex

	broker *storage.Broker
	logger *slog.Logger
	now    func() time.Time
}

func New() *MemoryStorage {
	return NewWithLogger(slog.Default())
}

func NewWithLogger(logger *slog.Logger) *MemoryStorage {
	s := &MemoryStorage{
		broker: storage.NewBroker(storage.DefaultBuffer, logger),
		logger: logger.With("component", "memory_storage"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.reset()
	return s
}

func (s *MemoryStorage) reset() {
	s.profiles = make(map[string]*models.Profile)
	s.byAddress = make(map[string]string)
	s.usernames = make(map[string]string)
	s.posts = make(map[string]*models.PostRow)
	s.likes = make(map[string]map[string]models.LikeRow)
	s.comments = make(map[string][]*models.CommentRow)
	s.commentByID = make(map[string]*models.CommentRow)
	s.notifications = make(map[string]*models.NotificationRow)
	s.follows = make(map[string]map[string]time.Time)
}

func (s *MemoryStorage) publish(table models.Table, op models.Operation, record, old any) {
	ev, err := models.NewChangeEvent(table, op, record, old)
	if err != nil {
		s.logger.Error("не удалось сериализовать событие", slog.String("table", string(table)), slog.Any("error", err))
		return
	}
	s.broker.Publish(ev)
}

func (s *MemoryStorage) Subscribe(ctx context.Context, table models.Table, ops []models.Operation, filter *models.EventFilter) (storage.Subscription, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return s.broker.Subscribe(ctx, table, ops, filter)
}

// Профили

func (s *MemoryStorage) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStorage) GetProfilesByIDs(ctx context.Context, ids []string) (map[string]*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Profile, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemoryStorage) GetProfileByAddress(ctx context.Context, address string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s.profiles[id]
	return &cp, nil
}

func (s *MemoryStorage) CreateProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	if _, taken := s.usernames[p.Username]; taken {
		s.mu.Unlock()
		return fmt.Errorf("username %q: %w", p.Username, models.ErrConflict)
	}
	if _, taken := s.byAddress[p.WalletAddress]; taken && p.WalletAddress != "" {
		s.mu.Unlock()
		return fmt.Errorf("address %q: %w", p.WalletAddress, models.ErrConflict)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	cp := *p
	s.profiles[p.ID] = &cp
	s.usernames[p.Username] = p.ID
	if p.WalletAddress != "" {
		s.byAddress[p.WalletAddress] = p.ID
	}
	s.mu.Unlock()

	s.publish(models.TableProfiles, models.OpInsert, cp, nil)
	return nil
}

func (s *MemoryStorage) UpdateProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	old, ok := s.profiles[p.ID]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	if owner, taken := s.usernames[p.Username]; taken && owner != p.ID {
		s.mu.Unlock()
		return fmt.Errorf("username %q: %w", p.Username, models.ErrConflict)
	}
	prev := *old
	delete(s.usernames, prev.Username)
	cp := *p
	cp.WalletAddress = prev.WalletAddress
	cp.CreatedAt = prev.CreatedAt
	s.profiles[p.ID] = &cp
	s.usernames[cp.Username] = p.ID
	*p = cp
	s.mu.Unlock()

	s.publish(models.TableProfiles, models.OpUpdate, cp, prev)
	return nil
}

// Посты

func (s *MemoryStorage) CreatePost(ctx context.Context, post *models.PostRow) (*models.PostRecord, error) {
	s.mu.Lock()
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if _, exists := s.posts[post.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("post %s: %w", post.ID, models.ErrConflict)
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.now()
	}
	cp := *post
	s.posts[post.ID] = &cp
	rec := s.postRecordLocked(&cp)
	s.mu.Unlock()

	s.publish(models.TablePosts, models.OpInsert, cp, nil)
	return &rec, nil
}

func (s *MemoryStorage) GetPost(ctx context.Context, id string) (*models.PostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, exists := s.posts[id]
	if !exists {
		return nil, models.ErrNotFound
	}
	rec := s.postRecordLocked(post)
	return &rec, nil
}

func (s *MemoryStorage) ListPosts(ctx context.Context, q models.PostQuery) ([]models.PostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var authors map[string]struct{}
	if q.AuthorIDs != nil {
		authors = make(map[string]struct{}, len(q.AuthorIDs))
		for _, id := range q.AuthorIDs {
			authors[id] = struct{}{}
		}
	}

	posts := make([]*models.PostRow, 0, len(s.posts))
	for _, post := range s.posts {
		if authors != nil {
			if _, ok := authors[post.UserID]; !ok {
				continue
			}
		}
		posts = append(posts, post)
	}
	slices.SortStableFunc(posts, func(a, b *models.PostRow) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	result := make([]models.PostRecord, 0, len(posts))
	for _, post := range posts {
		result = append(result, s.postRecordLocked(post))
	}
	return result, nil
}

func (s *MemoryStorage) postRecordLocked(post *models.PostRow) models.PostRecord {
	rec := models.PostRecord{
		PostRow:      *post,
		CommentCount: len(s.comments[post.ID]),
	}
	if p, ok := s.profiles[post.UserID]; ok {
		cp := *p
		rec.Author = &cp
	}
	likes := s.likes[post.ID]
	rec.LikerIDs = make([]string, 0, len(likes))
	for userID := range likes {
		rec.LikerIDs = append(rec.LikerIDs, userID)
	}
	slices.Sort(rec.LikerIDs)
	return rec
}

// Лайки

func (s *MemoryStorage) InsertLike(ctx context.Context, like models.LikeRow) error {
	s.mu.Lock()
	if _, ok := s.posts[like.PostID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("post %s: %w", like.PostID, models.ErrNotFound)
	}
	if _, ok := s.likes[like.PostID][like.UserID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("like %s/%s: %w", like.PostID, like.UserID, models.ErrConflict)
	}
	if s.likes[like.PostID] == nil {
		s.likes[like.PostID] = make(map[string]models.LikeRow)
	}
	if like.CreatedAt.IsZero() {
		like.CreatedAt = s.now()
	}
	s.likes[like.PostID][like.UserID] = like
	s.mu.Unlock()

	s.publish(models.TableLikes, models.OpInsert, like, nil)
	return nil
}

func (s *MemoryStorage) DeleteLike(ctx context.Context, postID, userID string) error {
	s.mu.Lock()
	like, ok := s.likes[postID][userID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("like %s/%s: %w", postID, userID, models.ErrNotFound)
	}
	delete(s.likes[postID], userID)
	s.mu.Unlock()

	s.publish(models.TableLikes, models.OpDelete, nil, like)
	return nil
}

// Комментарии

func (s *MemoryStorage) CreateComment(ctx context.Context, comment *models.CommentRow) (*models.CommentRecord, error) {
	s.mu.Lock()
	if _, ok := s.posts[comment.PostID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("post %s: %w", comment.PostID, models.ErrNotFound)
	}
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = s.now()
	}
	cp := *comment
	s.comments[comment.PostID] = append(s.comments[comment.PostID], &cp)
	s.commentByID[cp.ID] = &cp
	rec := models.CommentRecord{CommentRow: cp}
	if p, ok := s.profiles[cp.UserID]; ok {
		pp := *p
		rec.Author = &pp
	}
	s.mu.Unlock()

	s.publish(models.TableComments, models.OpInsert, cp, nil)
	return &rec, nil
}

func (s *MemoryStorage) GetComment(ctx context.Context, id string) (*models.CommentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commentByID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStorage) ListComments(ctx context.Context, postID string) ([]models.CommentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comments := slices.Clone(s.comments[postID])
	slices.SortStableFunc(comments, func(a, b *models.CommentRow) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	result := make([]models.CommentRecord, 0, len(comments))
	for _, c := range comments {
		rec := models.CommentRecord{CommentRow: *c}
		if p, ok := s.profiles[c.UserID]; ok {
			cp := *p
			rec.Author = &cp
		}
		result = append(result, rec)
	}
	return result, nil
}

// Уведомления

func (s *MemoryStorage) CreateNotification(ctx context.Context, n *models.NotificationRow) error {
	if !n.Type.Valid() {
		return fmt.Errorf("notification type %q is invalid", n.Type)
	}
	s.mu.Lock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	cp := *n
	s.notifications[n.ID] = &cp
	s.mu.Unlock()

	s.publish(models.TableNotifications, models.OpInsert, cp, nil)
	return nil
}

func (s *MemoryStorage) ListNotifications(ctx context.Context, recipientID string, limit int) ([]models.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*models.NotificationRow, 0)
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			rows = append(rows, n)
		}
	}
	slices.SortStableFunc(rows, func(a, b *models.NotificationRow) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	result := make([]models.NotificationRecord, 0, len(rows))
	for _, n := range rows {
		rec := models.NotificationRecord{NotificationRow: *n}
		if p, ok := s.profiles[n.ActorID]; ok {
			cp := *p
			rec.Actor = &cp
		}
		if n.PostID != nil {
			if post, ok := s.posts[*n.PostID]; ok {
				content := post.Content
				rec.PostContent = &content
			}
		}
		if n.CommentID != nil {
			if c, ok := s.commentByID[*n.CommentID]; ok {
				content := c.Content
				rec.CommentContent = &content
			}
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *MemoryStorage) MarkNotificationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	n, ok := s.notifications[id]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	prev := *n
	n.IsRead = true
	cp := *n
	s.mu.Unlock()

	s.publish(models.TableNotifications, models.OpUpdate, cp, prev)
	return nil
}

func (s *MemoryStorage) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	s.mu.Lock()
	type change struct{ prev, next models.NotificationRow }
	var changes []change
	for _, n := range s.notifications {
		if n.RecipientID != recipientID || n.IsRead {
			continue
		}
		prev := *n
		n.IsRead = true
		changes = append(changes, change{prev: prev, next: *n})
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.publish(models.TableNotifications, models.OpUpdate, c.next, c.prev)
	}
	return nil
}

// Подписки

func (s *MemoryStorage) Follow(ctx context.Context, followerID, followeeID string) error {
	if followerID == followeeID {
		return fmt.Errorf("cannot follow yourself: %w", models.ErrConflict)
	}
	s.mu.Lock()
	if _, ok := s.follows[followerID][followeeID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("follow %s/%s: %w", followerID, followeeID, models.ErrConflict)
	}
	if s.follows[followerID] == nil {
		s.follows[followerID] = make(map[string]time.Time)
	}
	row := models.FollowRow{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: s.now()}
	s.follows[followerID][followeeID] = row.CreatedAt
	s.mu.Unlock()

	s.publish(models.TableFollows, models.OpInsert, row, nil)
	return nil
}

func (s *MemoryStorage) Unfollow(ctx context.Context, followerID, followeeID string) error {
	s.mu.Lock()
	created, ok := s.follows[followerID][followeeID]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	delete(s.follows[followerID], followeeID)
	s.mu.Unlock()

	s.publish(models.TableFollows, models.OpDelete, nil,
		models.FollowRow{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: created})
	return nil
}

func (s *MemoryStorage) ListFollowing(ctx context.Context, followerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.follows[followerID]))
	for id := range s.follows[followerID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStorage) CountFollows(ctx context.Context, userID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	followers := 0
	for _, followees := range s.follows {
		if _, ok := followees[userID]; ok {
			followers++
		}
	}
	return followers, len(s.follows[userID]), nil
}

// Close очищает хранилище и закрывает все подписки.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
	s.broker.Close()
	return nil
}
