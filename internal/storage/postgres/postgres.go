package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Канал LISTEN/NOTIFY, в который триггеры пишут изменения строк.
const changeChannel = "feedsync_changes"

type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(dsn string) (*PostgresStorage, error) {
	return NewWithLogger(context.Background(), dsn, slog.Default())
}

func NewWithLogger(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &PostgresStorage{pool: pool, logger: logger.With("component", "postgres_storage")}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			sui_address TEXT UNIQUE,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			media_url TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS likes (
			post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (post_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			recipient_user_id TEXT NOT NULL,
			actor_user_id TEXT NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('like', 'comment', 'follow')),
			post_id TEXT,
			comment_id TEXT,
			content_snippet TEXT,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS follows (
			follower_id TEXT NOT NULL,
			following_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (follower_id, following_id),
			CHECK (follower_id <> following_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_user_id, created_at DESC)`,
		`CREATE OR REPLACE FUNCTION feedsync_notify() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('` + changeChannel + `', json_build_object(
				'table', TG_TABLE_NAME,
				'operation', lower(TG_OP),
				'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
				'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
				'commit_time', NOW()
			)::text);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`,
	}
	for _, table := range []models.Table{models.TablePosts, models.TableLikes, models.TableComments, models.TableNotifications, models.TableFollows, models.TableProfiles} {
		queries = append(queries,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s_feedsync ON %[1]s`, table),
			fmt.Sprintf(`CREATE TRIGGER %[1]s_feedsync AFTER INSERT OR UPDATE OR DELETE ON %[1]s
				FOR EACH ROW EXECUTE FUNCTION feedsync_notify()`, table),
		)
	}

	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, models.ErrConflict)
		case "23503":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, models.ErrNotFound)
		}
	}
	return err
}

// Профили

const profileColumns = `id, COALESCE(sui_address, ''), username, display_name, avatar_url, bio, created_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	if err := row.Scan(&p.ID, &p.WalletAddress, &p.Username, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *PostgresStorage) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id=$1`, id))
}

func (s *PostgresStorage) GetProfilesByIDs(ctx context.Context, ids []string) (map[string]*models.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*models.Profile, len(ids))
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *PostgresStorage) GetProfileByAddress(ctx context.Context, address string) (*models.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE sui_address=$1`, address))
}

func (s *PostgresStorage) CreateProfile(ctx context.Context, p *models.Profile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, sui_address, username, display_name, avatar_url, bio)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		RETURNING created_at`,
		p.ID, p.WalletAddress, p.Username, p.DisplayName, p.AvatarURL, p.Bio).Scan(&p.CreatedAt)
	return mapErr(err)
}

func (s *PostgresStorage) UpdateProfile(ctx context.Context, p *models.Profile) error {
	updated, err := scanProfile(s.pool.QueryRow(ctx, `
		UPDATE profiles SET username=$2, display_name=$3, avatar_url=$4, bio=$5
		WHERE id=$1
		RETURNING `+profileColumns,
		p.ID, p.Username, p.DisplayName, p.AvatarURL, p.Bio))
	if err != nil {
		return err
	}
	*p = *updated
	return nil
}

// Посты

const postSelect = `
	SELECT p.id, p.user_id, p.content, p.media_url, p.created_at,
		pr.id, COALESCE(pr.sui_address, ''), pr.username, pr.display_name, pr.avatar_url, pr.bio, pr.created_at,
		COALESCE((SELECT array_agg(l.user_id ORDER BY l.user_id) FROM likes l WHERE l.post_id = p.id), '{}'),
		(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id)
	FROM posts p
	LEFT JOIN profiles pr ON pr.id = p.user_id`

func scanPostRecord(row pgx.Row) (*models.PostRecord, error) {
	var (
		rec                                            models.PostRecord
		authorID, address, username, name, avatar, bio *string
		authorCreated                                  *time.Time
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Content, &rec.MediaURL, &rec.CreatedAt,
		&authorID, &address, &username, &name, &avatar, &bio, &authorCreated,
		&rec.LikerIDs, &rec.CommentCount,
	); err != nil {
		return nil, mapErr(err)
	}
	if authorID != nil {
		rec.Author = &models.Profile{
			ID:            *authorID,
			WalletAddress: deref(address),
			Username:      deref(username),
			DisplayName:   deref(name),
			AvatarURL:     deref(avatar),
			Bio:           deref(bio),
		}
		if authorCreated != nil {
			rec.Author.CreatedAt = *authorCreated
		}
	}
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullTime превращает нулевое время в NULL, чтобы сработал DEFAULT NOW().
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PostgresStorage) CreatePost(ctx context.Context, post *models.PostRow) (*models.PostRecord, error) {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (id, user_id, content, media_url, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
		RETURNING created_at`,
		post.ID, post.UserID, post.Content, post.MediaURL, nullTime(post.CreatedAt)).Scan(&post.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return s.GetPost(ctx, post.ID)
}

func (s *PostgresStorage) GetPost(ctx context.Context, id string) (*models.PostRecord, error) {
	return scanPostRecord(s.pool.QueryRow(ctx, postSelect+` WHERE p.id=$1`, id))
}

func (s *PostgresStorage) ListPosts(ctx context.Context, q models.PostQuery) ([]models.PostRecord, error) {
	if q.AuthorIDs != nil && len(q.AuthorIDs) == 0 {
		return []models.PostRecord{}, nil
	}
	query := postSelect + ` WHERE ($1::TEXT[] IS NULL OR p.user_id = ANY($1)) ORDER BY p.created_at DESC, p.id`
	rows, err := s.pool.Query(ctx, query, q.AuthorIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]models.PostRecord, 0)
	for rows.Next() {
		rec, err := scanPostRecord(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *rec)
	}
	return posts, rows.Err()
}

// Лайки

func (s *PostgresStorage) InsertLike(ctx context.Context, like models.LikeRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO likes (post_id, user_id, created_at) VALUES ($1, $2, COALESCE($3, NOW()))`,
		like.PostID, like.UserID, nullTime(like.CreatedAt))
	return mapErr(err)
}

func (s *PostgresStorage) DeleteLike(ctx context.Context, postID, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM likes WHERE post_id=$1 AND user_id=$2`, postID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Комментарии

const commentSelect = `
	SELECT c.id, c.post_id, c.user_id, c.content, c.created_at,
		pr.id, COALESCE(pr.sui_address, ''), pr.username, pr.display_name, pr.avatar_url, pr.bio
	FROM comments c
	LEFT JOIN profiles pr ON pr.id = c.user_id`

func scanCommentRecord(row pgx.Row) (*models.CommentRecord, error) {
	var (
		rec                                            models.CommentRecord
		authorID, address, username, name, avatar, bio *string
	)
	if err := row.Scan(&rec.ID, &rec.PostID, &rec.UserID, &rec.Content, &rec.CreatedAt,
		&authorID, &address, &username, &name, &avatar, &bio); err != nil {
		return nil, mapErr(err)
	}
	if authorID != nil {
		rec.Author = &models.Profile{
			ID:            *authorID,
			WalletAddress: deref(address),
			Username:      deref(username),
			DisplayName:   deref(name),
			AvatarURL:     deref(avatar),
			Bio:           deref(bio),
		}
	}
	return &rec, nil
}

func (s *PostgresStorage) CreateComment(ctx context.Context, comment *models.CommentRow) (*models.CommentRecord, error) {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO comments (id, post_id, user_id, content, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
		RETURNING created_at`,
		comment.ID, comment.PostID, comment.UserID, comment.Content, nullTime(comment.CreatedAt)).Scan(&comment.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanCommentRecord(s.pool.QueryRow(ctx, commentSelect+` WHERE c.id=$1`, comment.ID))
}

func (s *PostgresStorage) GetComment(ctx context.Context, id string) (*models.CommentRow, error) {
	rec, err := scanCommentRecord(s.pool.QueryRow(ctx, commentSelect+` WHERE c.id=$1`, id))
	if err != nil {
		return nil, err
	}
	return &rec.CommentRow, nil
}

func (s *PostgresStorage) ListComments(ctx context.Context, postID string) ([]models.CommentRecord, error) {
	rows, err := s.pool.Query(ctx, commentSelect+` WHERE c.post_id=$1 ORDER BY c.created_at ASC, c.id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := make([]models.CommentRecord, 0)
	for rows.Next() {
		rec, err := scanCommentRecord(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *rec)
	}
	return comments, rows.Err()
}

// Уведомления

func (s *PostgresStorage) CreateNotification(ctx context.Context, n *models.NotificationRow) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, recipient_user_id, actor_user_id, type, post_id, comment_id, content_snippet, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		n.ID, n.RecipientID, n.ActorID, string(n.Type), n.PostID, n.CommentID, n.ContentSnippet, n.IsRead).Scan(&n.CreatedAt)
	return mapErr(err)
}

func (s *PostgresStorage) ListNotifications(ctx context.Context, recipientID string, limit int) ([]models.NotificationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT n.id, n.recipient_user_id, n.actor_user_id, n.type, n.post_id, n.comment_id, n.content_snippet, n.is_read, n.created_at,
			pr.id, COALESCE(pr.sui_address, ''), pr.username, pr.display_name, pr.avatar_url, pr.bio,
			p.content, c.content
		FROM notifications n
		LEFT JOIN profiles pr ON pr.id = n.actor_user_id
		LEFT JOIN posts p ON p.id = n.post_id
		LEFT JOIN comments c ON c.id = n.comment_id
		WHERE n.recipient_user_id=$1
		ORDER BY n.created_at DESC, n.id
		LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]models.NotificationRecord, 0, limit)
	for rows.Next() {
		var (
			rec                                           models.NotificationRecord
			kind                                          string
			actorID, address, username, name, avatar, bio *string
		)
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &rec.ActorID, &kind, &rec.PostID, &rec.CommentID,
			&rec.ContentSnippet, &rec.IsRead, &rec.CreatedAt,
			&actorID, &address, &username, &name, &avatar, &bio,
			&rec.PostContent, &rec.CommentContent); err != nil {
			return nil, err
		}
		rec.Type = models.NotificationKind(kind)
		if actorID != nil {
			rec.Actor = &models.Profile{
				ID:            *actorID,
				WalletAddress: deref(address),
				Username:      deref(username),
				DisplayName:   deref(name),
				AvatarURL:     deref(avatar),
				Bio:           deref(bio),
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *PostgresStorage) MarkNotificationRead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET is_read=TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE notifications SET is_read=TRUE WHERE recipient_user_id=$1 AND NOT is_read`, recipientID)
	return err
}

// Подписки

func (s *PostgresStorage) Follow(ctx context.Context, followerID, followeeID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO follows (follower_id, following_id) VALUES ($1, $2)`, followerID, followeeID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("cannot follow yourself: %w", models.ErrConflict)
	}
	return mapErr(err)
}

func (s *PostgresStorage) Unfollow(ctx context.Context, followerID, followeeID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM follows WHERE follower_id=$1 AND following_id=$2`, followerID, followeeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) ListFollowing(ctx context.Context, followerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT following_id FROM follows WHERE follower_id=$1 ORDER BY following_id`, followerID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *PostgresStorage) CountFollows(ctx context.Context, userID string) (int, int, error) {
	var followers, following int
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM follows WHERE following_id=$1),
			(SELECT COUNT(*) FROM follows WHERE follower_id=$1)`, userID).Scan(&followers, &following)
	return followers, following, err
}

// Лента изменений

type pgSubscription struct {
	ch     chan models.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pgSubscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

func (s *pgSubscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Subscribe занимает отдельное соединение пула под LISTEN и фильтрует события на стороне клиента.
func (s *PostgresStorage) Subscribe(ctx context.Context, table models.Table, ops []models.Operation, filter *models.EventFilter) (storage.Subscription, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	// Соединение с активным LISTEN не возвращаем в пул
	listener := conn.Hijack()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &pgSubscription{
		ch:     make(chan models.ChangeEvent, storage.DefaultBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		defer listener.Close(context.Background())

		for {
			n, err := listener.WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					s.logger.Error("ошибка ожидания уведомления", slog.String("table", string(table)), slog.Any("error", err))
				}
				return
			}
			var ev models.ChangeEvent
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				s.logger.Warn("некорректное событие", slog.Any("error", err))
				continue
			}
			if ev.Table != table || (len(ops) > 0 && !slices.Contains(ops, ev.Operation)) || !filter.Matches(ev.Payload()) {
				continue
			}
			select {
			case sub.ch <- ev:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return sub, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
