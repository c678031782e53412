package feed

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ButyrinIA/feedsync/internal/engagement"
	"github.com/ButyrinIA/feedsync/internal/metrics"
	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/normalize"
	"github.com/ButyrinIA/feedsync/internal/session"
	"github.com/ButyrinIA/feedsync/internal/storage"
	"github.com/google/uuid"
)

type Mode string

const (
	ModeGlobal    Mode = "global"
	ModeFollowing Mode = "following"
)

func (m Mode) Valid() bool {
	return m == ModeGlobal || m == ModeFollowing
}

// Store - операции сервиса данных, которые использует лента.
type Store interface {
	storage.PostStore
	storage.LikeStore
	storage.CommentStore
	CreateNotification(ctx context.Context, n *models.NotificationRow) error
	Follow(ctx context.Context, followerID, followeeID string) error
	Unfollow(ctx context.Context, followerID, followeeID string) error
	ListFollowing(ctx context.Context, followerID string) ([]string, error)
}

type entry struct {
	post models.Post
}

// Reconciler владеет упорядоченной коллекцией постов одного представления.
// Счетчики лайков и комментариев хранятся в engagement.Counters и подставляются при чтении.
type Reconciler struct {
	store      Store
	counters   *engagement.Counters
	session    *session.Session
	logger     *slog.Logger
	snippetLen int
	now        func() time.Time

	mu      sync.Mutex
	mode    Mode
	entries []*entry
	index   map[string]*entry
	// follows == nil, пока множество подписок не разрешено.
	follows map[string]struct{}
	pending map[string]struct{}
	loadGen uint64
	// epoch растет при каждой пересборке счетчиков; откат изменения из прежней эпохи не применяется.
	epoch   uint64
	loading bool
	// buffered - посты, добавленные во время загрузки; переносятся в новую коллекцию.
	buffered []models.Post
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

func WithSnippetLength(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.snippetLen = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(store Store, counters *engagement.Counters, sess *session.Session, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:      store,
		counters:   counters,
		session:    sess,
		logger:     slog.Default(),
		snippetLen: models.SnippetLength,
		now:        func() time.Time { return time.Now().UTC() },
		mode:       ModeGlobal,
		index:      make(map[string]*entry),
		pending:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "feed")
	return r
}

// LoadInitial заменяет коллекцию постами, подходящими под режим ленты.
func (r *Reconciler) LoadInitial(ctx context.Context, mode Mode) error {
	if !mode.Valid() {
		return models.NewValidationError("unknown feed mode " + string(mode))
	}
	guard := r.session.Guard()
	viewerID := guard.ViewerID()
	if mode == ModeFollowing && viewerID == "" {
		return models.ErrNoViewer
	}

	r.mu.Lock()
	r.loadGen++
	gen := r.loadGen
	r.mode = mode
	r.follows = nil
	r.loading = true
	r.buffered = nil
	r.mu.Unlock()

	query := models.PostQuery{}
	var follows map[string]struct{}
	if mode == ModeFollowing {
		ids, err := r.store.ListFollowing(ctx, viewerID)
		if err != nil {
			r.finishLoad(gen)
			return models.NewServiceError("load follows", err)
		}
		follows = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			follows[id] = struct{}{}
		}
		query.AuthorIDs = ids

		r.mu.Lock()
		if gen == r.loadGen && guard.Valid() {
			r.follows = follows
		}
		r.mu.Unlock()
	}

	records := []models.PostRecord{}
	if mode == ModeGlobal || len(follows) > 0 {
		var err error
		records, err = r.store.ListPosts(ctx, query)
		if err != nil {
			r.finishLoad(gen)
			return models.NewServiceError("load posts", err)
		}
	}

	if !guard.Valid() {
		r.finishLoad(gen)
		return models.ErrViewerChanged
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.loadGen {
		// Более поздняя загрузка уже владеет коллекцией
		return nil
	}
	r.loading = false
	r.epoch++
	r.counters.Reset()
	r.entries = make([]*entry, 0, len(records))
	r.index = make(map[string]*entry, len(records))
	for _, rec := range records {
		if _, dup := r.index[rec.ID]; dup {
			continue
		}
		post := normalize.Post(rec, viewerID)
		r.counters.Track(post.ID, engagement.Tally{
			Likes:    post.LikeCount,
			Liked:    post.LikedByViewer,
			Comments: post.CommentCount,
		}, rec.LikerIDs)
		e := &entry{post: post}
		r.entries = append(r.entries, e)
		r.index[post.ID] = e
	}
	for _, post := range r.buffered {
		if _, exists := r.index[post.ID]; !exists && r.eligibleLocked(post.AuthorID, viewerID) {
			r.insertLocked(post)
		}
	}
	r.buffered = nil
	r.logger.Debug("лента загружена", slog.String("mode", string(mode)), slog.Int("posts", len(r.entries)))
	return nil
}

func (r *Reconciler) finishLoad(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.loadGen {
		r.loading = false
		r.buffered = nil
	}
}

// CreateLocal сразу показывает пост текущего пользователя и затем сохраняет его.
// ID назначается на клиенте и совпадает с итоговым, поэтому эхо вставки игнорируется.
func (r *Reconciler) CreateLocal(ctx context.Context, content string, media *string) (*models.Post, error) {
	content = strings.TrimSpace(content)
	if media != nil && strings.TrimSpace(*media) == "" {
		media = nil
	}
	if content == "" && media == nil {
		return nil, models.ErrEmptyPost
	}
	guard := r.session.Guard()
	viewer := r.session.Viewer()
	if viewer == nil || viewer.Profile.ID != guard.ViewerID() {
		return nil, models.ErrNoViewer
	}

	row := models.PostRow{
		ID:        uuid.New().String(),
		UserID:    viewer.Profile.ID,
		Content:   content,
		MediaURL:  media,
		CreatedAt: r.now(),
	}
	post := normalize.Post(models.PostRecord{PostRow: row, Author: &viewer.Profile, LikerIDs: []string{}}, viewer.Profile.ID)

	r.mu.Lock()
	r.insertLocked(post)
	r.mu.Unlock()

	if _, err := r.store.CreatePost(ctx, &row); err != nil {
		if guard.Valid() {
			r.mu.Lock()
			r.removeLocked(post.ID)
			r.mu.Unlock()
			metrics.Rollback("create_post")
			r.logger.Warn("создание поста откатено", slog.String("post_id", post.ID), slog.Any("error", err))
		}
		return nil, models.NewServiceError("create post", err)
	}

	if current, ok := r.Post(post.ID); ok {
		return &current, nil
	}
	return &post, nil
}

// ApplyRemoteInsert добавляет пост из ленты изменений. Возвращает false, если пост
// уже есть или не проходит фильтр режима.
func (r *Reconciler) ApplyRemoteInsert(post models.Post) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[post.ID]; exists {
		return false
	}
	if !r.eligibleLocked(post.AuthorID, "") {
		return false
	}
	r.insertLocked(post)
	return true
}

// ApplyLikeEvent применяет вставку или удаление лайка. Лайк неизвестного поста игнорируется.
func (r *Reconciler) ApplyLikeEvent(like models.Like, op models.Operation) bool {
	dir := 1
	switch op {
	case models.OpInsert:
	case models.OpDelete:
		dir = -1
	default:
		return false
	}
	return r.counters.ApplyLikeEvent(like.PostID, like.UserID, r.session.ViewerID(), dir)
}

// ApplyCommentEvent учитывает новый комментарий один раз и, если комментарии поста
// загружены, добавляет его в начало списка.
func (r *Reconciler) ApplyCommentEvent(comment models.Comment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[comment.PostID]
	if !ok {
		return false
	}
	if !r.counters.ApplyCommentDelta(comment.PostID, comment.ID) {
		return false
	}
	if e.post.AreCommentsFetched {
		prependComment(&e.post, comment)
	}
	return true
}

// ApplyFollowEvent поддерживает множество подписок текущего пользователя.
// Посты новых авторов не догружаются.
func (r *Reconciler) ApplyFollowEvent(follow models.Follow, op models.Operation) bool {
	viewerID := r.session.ViewerID()
	if viewerID == "" || follow.FollowerID != viewerID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.follows == nil {
		return false
	}
	_, known := r.follows[follow.FolloweeID]
	switch op {
	case models.OpInsert:
		if known {
			return false
		}
		r.follows[follow.FolloweeID] = struct{}{}
	case models.OpDelete:
		if !known {
			return false
		}
		delete(r.follows, follow.FolloweeID)
	default:
		return false
	}
	return true
}

// ToggleLike инвертирует лайк текущего пользователя с откатом при ошибке.
// Пока переключение в полете, повторный вызов для того же поста отклоняется.
func (r *Reconciler) ToggleLike(ctx context.Context, postID string) error {
	guard := r.session.Guard()
	viewerID := guard.ViewerID()
	if viewerID == "" {
		return models.ErrNoViewer
	}

	r.mu.Lock()
	e, ok := r.index[postID]
	if !ok {
		r.mu.Unlock()
		return models.ErrPostNotFound
	}
	if _, busy := r.pending[postID]; busy {
		r.mu.Unlock()
		return models.ErrLikePending
	}
	change, ok := r.counters.ToggleLike(postID, viewerID)
	if !ok {
		r.mu.Unlock()
		return models.ErrPostNotFound
	}
	r.pending[postID] = struct{}{}
	authorID, content := e.post.AuthorID, e.post.Content
	epoch := r.epoch
	r.mu.Unlock()

	var err error
	op := "like post"
	if change.Dir > 0 {
		err = r.store.InsertLike(ctx, models.LikeRow{PostID: postID, UserID: viewerID, CreatedAt: r.now()})
	} else {
		op = "unlike post"
		err = r.store.DeleteLike(ctx, postID, viewerID)
	}

	r.mu.Lock()
	delete(r.pending, postID)
	r.mu.Unlock()

	if err != nil {
		if !guard.Valid() {
			return models.ErrViewerChanged
		}
		r.mu.Lock()
		if epoch == r.epoch {
			r.counters.RevertLike(postID, viewerID, change)
		}
		r.mu.Unlock()
		metrics.Rollback("toggle_like")
		r.logger.Warn("лайк откатен", slog.String("post_id", postID), slog.Any("error", err))
		return models.NewServiceError(op, err)
	}

	if change.Dir > 0 && authorID != viewerID {
		snippet := models.Snippet(content, r.snippetLen)
		r.notify(ctx, &models.NotificationRow{
			RecipientID:    authorID,
			ActorID:        viewerID,
			Type:           models.KindLike,
			PostID:         &postID,
			ContentSnippet: &snippet,
		})
	}
	return nil
}

// AddComment создает комментарий и после успеха добавляет его в пост.
func (r *Reconciler) AddComment(ctx context.Context, postID, text string) (*models.Comment, error) {
	guard := r.session.Guard()
	viewer := r.session.Viewer()
	if viewer == nil || viewer.Profile.ID != guard.ViewerID() {
		return nil, models.ErrNoViewer
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.ErrEmptyComment
	}

	r.mu.Lock()
	e, ok := r.index[postID]
	if !ok {
		r.mu.Unlock()
		return nil, models.ErrPostNotFound
	}
	authorID := e.post.AuthorID
	r.mu.Unlock()

	row := &models.CommentRow{
		ID:        uuid.New().String(),
		PostID:    postID,
		UserID:    viewer.Profile.ID,
		Content:   text,
		CreatedAt: r.now(),
	}
	rec, err := r.store.CreateComment(ctx, row)
	if err != nil {
		return nil, models.NewServiceError("add comment", err)
	}
	if !guard.Valid() {
		return nil, models.ErrViewerChanged
	}

	rec.Author = &viewer.Profile
	comment := normalize.Comment(*rec)

	r.mu.Lock()
	wasFetched := false
	if e, ok := r.index[postID]; ok {
		wasFetched = e.post.AreCommentsFetched
		r.counters.ApplyCommentDelta(postID, comment.ID)
		prependComment(&e.post, comment)
		e.post.AreCommentsFetched = true
	}
	r.mu.Unlock()

	// Без полного списка длина не совпала бы со счетчиком
	if !wasFetched {
		if err := r.FetchComments(ctx, postID); err != nil {
			r.logger.Warn("не удалось догрузить комментарии", slog.String("post_id", postID), slog.Any("error", err))
			r.mu.Lock()
			if e, ok := r.index[postID]; ok {
				e.post.AreCommentsFetched = false
			}
			r.mu.Unlock()
		}
	}

	if authorID != viewer.Profile.ID {
		snippet := models.Snippet(text, r.snippetLen)
		r.notify(ctx, &models.NotificationRow{
			RecipientID:    authorID,
			ActorID:        viewer.Profile.ID,
			Type:           models.KindComment,
			PostID:         &postID,
			CommentID:      &comment.ID,
			ContentSnippet: &snippet,
		})
	}
	return &comment, nil
}

// FetchComments заменяет список комментариев поста; длина списка становится счетчиком.
func (r *Reconciler) FetchComments(ctx context.Context, postID string) error {
	guard := r.session.Guard()

	r.mu.Lock()
	_, ok := r.index[postID]
	r.mu.Unlock()
	if !ok {
		return models.ErrPostNotFound
	}

	recs, err := r.store.ListComments(ctx, postID)
	if err != nil {
		return models.NewServiceError("fetch comments", err)
	}
	if !guard.Valid() {
		return models.ErrViewerChanged
	}

	comments := make([]models.Comment, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		comments = append(comments, normalize.Comment(rec))
		ids = append(ids, rec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[postID]
	if !ok {
		return nil
	}
	e.post.Comments = comments
	e.post.AreCommentsFetched = true
	r.counters.SetCommentCount(postID, ids)
	return nil
}

// Follow подписывает текущего пользователя на автора с откатом при ошибке.
func (r *Reconciler) Follow(ctx context.Context, userID string) error {
	return r.setFollow(ctx, userID, true)
}

func (r *Reconciler) Unfollow(ctx context.Context, userID string) error {
	return r.setFollow(ctx, userID, false)
}

func (r *Reconciler) setFollow(ctx context.Context, userID string, follow bool) error {
	guard := r.session.Guard()
	viewerID := guard.ViewerID()
	if viewerID == "" {
		return models.ErrNoViewer
	}
	if userID == "" || userID == viewerID {
		return models.NewValidationError("cannot follow yourself")
	}

	delta := 1
	if !follow {
		delta = -1
	}
	r.mu.Lock()
	changed := r.setFollowLocked(userID, follow)
	r.mu.Unlock()
	r.session.AdjustFollowing(delta)

	var err error
	op := "follow user"
	if follow {
		err = r.store.Follow(ctx, viewerID, userID)
	} else {
		op = "unfollow user"
		err = r.store.Unfollow(ctx, viewerID, userID)
	}
	if err != nil {
		if !guard.Valid() {
			return models.ErrViewerChanged
		}
		r.mu.Lock()
		if changed {
			r.setFollowLocked(userID, !follow)
		}
		r.mu.Unlock()
		r.session.AdjustFollowing(-delta)
		metrics.Rollback(strings.ReplaceAll(op, " ", "_"))
		return models.NewServiceError(op, err)
	}

	if follow {
		r.notify(ctx, &models.NotificationRow{RecipientID: userID, ActorID: viewerID, Type: models.KindFollow})
	}
	return nil
}

func (r *Reconciler) setFollowLocked(userID string, follow bool) bool {
	if r.follows == nil {
		return false
	}
	_, known := r.follows[userID]
	if follow == known {
		return false
	}
	if follow {
		r.follows[userID] = struct{}{}
	} else {
		delete(r.follows, userID)
	}
	return true
}

// UpdateAuthor переписывает проекцию автора в постах и комментариях после изменения профиля.
func (r *Reconciler) UpdateAuthor(p models.Profile) int {
	author := models.AuthorFromProfile(&p, p.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for _, e := range r.entries {
		if e.post.AuthorID == p.ID {
			e.post.Author = author
			updated++
		}
		for i := range e.post.Comments {
			if e.post.Comments[i].AuthorID == p.ID {
				e.post.Comments[i].Author = author
				updated++
			}
		}
	}
	return updated
}

// Posts возвращает снимок коллекции с актуальными счетчиками.
func (r *Reconciler) Posts() []models.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Post, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.snapshotLocked(e))
	}
	return out
}

func (r *Reconciler) Post(id string) (models.Post, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[id]
	if !ok {
		return models.Post{}, false
	}
	return r.snapshotLocked(e), true
}

func (r *Reconciler) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Following возвращает известное множество подписок; ok == false, пока оно не разрешено.
func (r *Reconciler) Following() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.follows == nil {
		return nil, false
	}
	ids := make([]string, 0, len(r.follows))
	for id := range r.follows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, true
}

// Reset очищает состояние; незавершенные загрузки отбрасываются.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadGen++
	r.epoch++
	r.loading = false
	r.buffered = nil
	r.entries = nil
	r.index = make(map[string]*entry)
	r.follows = nil
	r.pending = make(map[string]struct{})
	r.counters.Reset()
}

func (r *Reconciler) notify(ctx context.Context, n *models.NotificationRow) {
	if err := r.store.CreateNotification(ctx, n); err != nil {
		r.logger.Warn("не удалось создать уведомление",
			slog.String("type", string(n.Type)), slog.String("recipient_id", n.RecipientID), slog.Any("error", err))
	}
}

func (r *Reconciler) eligibleLocked(authorID, viewerID string) bool {
	if r.mode != ModeFollowing {
		return true
	}
	if viewerID != "" && authorID == viewerID {
		return true
	}
	if r.follows == nil {
		return false
	}
	_, ok := r.follows[authorID]
	return ok
}

// insertLocked вставляет пост по убыванию времени создания; при равном времени
// новый пост встает после уже имеющихся.
func (r *Reconciler) insertLocked(post models.Post) {
	if post.Comments == nil {
		post.Comments = []models.Comment{}
	}
	likers := []string{}
	if post.LikeCount > 0 {
		likers = nil
	}
	r.counters.Track(post.ID, engagement.Tally{
		Likes:    post.LikeCount,
		Liked:    post.LikedByViewer,
		Comments: post.CommentCount,
	}, likers)

	e := &entry{post: post}
	pos := len(r.entries)
	for i, existing := range r.entries {
		if existing.post.CreatedAt.Before(post.CreatedAt) {
			pos = i
			break
		}
	}
	r.entries = slices.Insert(r.entries, pos, e)
	r.index[post.ID] = e
	if r.loading {
		r.buffered = append(r.buffered, post)
	}
}

func (r *Reconciler) removeLocked(postID string) {
	if _, ok := r.index[postID]; !ok {
		return
	}
	delete(r.index, postID)
	r.entries = slices.DeleteFunc(r.entries, func(e *entry) bool { return e.post.ID == postID })
	r.buffered = slices.DeleteFunc(r.buffered, func(p models.Post) bool { return p.ID == postID })
	r.counters.Forget(postID)
}

func (r *Reconciler) snapshotLocked(e *entry) models.Post {
	post := e.post
	post.Comments = slices.Clone(e.post.Comments)
	if t, ok := r.counters.Get(post.ID); ok {
		post.LikeCount = t.Likes
		post.LikedByViewer = t.Liked
		post.CommentCount = t.Comments
	}
	return post
}

func prependComment(post *models.Post, comment models.Comment) {
	if slices.ContainsFunc(post.Comments, func(c models.Comment) bool { return c.ID == comment.ID }) {
		return
	}
	post.Comments = slices.Insert(post.Comments, 0, comment)
}
