package feed

import (
	"context"
	"sync"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/ButyrinIA/feedsync/internal/storage/memory"
)

// fakeStore - сервис данных в памяти с внедрением ошибок и блокировок по имени метода.
type fakeStore struct {
	*memory.MemoryStorage

	mu      sync.Mutex
	fail    map[string]error
	calls   map[string]int
	blocks  map[string]chan struct{}
	entered chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		MemoryStorage: memory.New(),
		fail:          make(map[string]error),
		calls:         make(map[string]int),
		blocks:        make(map[string]chan struct{}),
		entered:       make(chan string, 16),
	}
}

func (f *fakeStore) failOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

// blockOn задерживает вызов метода до release.
func (f *fakeStore) blockOn(method string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.blocks[method] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeStore) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeStore) hook(method string) error {
	f.mu.Lock()
	f.calls[method]++
	err := f.fail[method]
	block := f.blocks[method]
	f.mu.Unlock()
	if block != nil {
		f.entered <- method
		<-block
	}
	return err
}

func (f *fakeStore) CreatePost(ctx context.Context, post *models.PostRow) (*models.PostRecord, error) {
	if err := f.hook("CreatePost"); err != nil {
		return nil, err
	}
	return f.MemoryStorage.CreatePost(ctx, post)
}

func (f *fakeStore) ListPosts(ctx context.Context, q models.PostQuery) ([]models.PostRecord, error) {
	if err := f.hook("ListPosts"); err != nil {
		return nil, err
	}
	return f.MemoryStorage.ListPosts(ctx, q)
}

func (f *fakeStore) InsertLike(ctx context.Context, like models.LikeRow) error {
	if err := f.hook("InsertLike"); err != nil {
		return err
	}
	return f.MemoryStorage.InsertLike(ctx, like)
}

func (f *fakeStore) DeleteLike(ctx context.Context, postID, userID string) error {
	if err := f.hook("DeleteLike"); err != nil {
		return err
	}
	return f.MemoryStorage.DeleteLike(ctx, postID, userID)
}

func (f *fakeStore) CreateComment(ctx context.Context, c *models.CommentRow) (*models.CommentRecord, error) {
	if err := f.hook("CreateComment"); err != nil {
		return nil, err
	}
	return f.MemoryStorage.CreateComment(ctx, c)
}

func (f *fakeStore) ListComments(ctx context.Context, postID string) ([]models.CommentRecord, error) {
	if err := f.hook("ListComments"); err != nil {
		return nil, err
	}
	return f.MemoryStorage.ListComments(ctx, postID)
}

func (f *fakeStore) CreateNotification(ctx context.Context, n *models.NotificationRow) error {
	if err := f.hook("CreateNotification"); err != nil {
		return err
	}
	return f.MemoryStorage.CreateNotification(ctx, n)
}

func (f *fakeStore) ListFollowing(ctx context.Context, followerID string) ([]string, error) {
	if err := f.hook("ListFollowing"); err != nil {
		return nil, err
	}
	return f.MemoryStorage.ListFollowing(ctx, followerID)
}

func (f *fakeStore) Follow(ctx context.Context, followerID, followeeID string) error {
	if err := f.hook("Follow"); err != nil {
		return err
	}
	return f.MemoryStorage.Follow(ctx, followerID, followeeID)
}
