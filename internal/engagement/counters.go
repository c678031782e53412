package engagement

import (
	"sync"
)

// Tally - производные счетчики поста.
type Tally struct {
	Likes    int
	Liked    bool
	Comments int
}

// LikeChange описывает фактически примененное изменение лайка, чтобы его можно было откатить.
type LikeChange struct {
	Dir        int
	CountDelta int
	PrevLiked  bool
}

type tally struct {
	Tally
	// likers - известные лайкнувшие; nil, если состав неизвестен.
	likers   map[string]struct{}
	comments map[string]struct{}
}

// Counters хранит счетчики постов одного представления.
// Неизвестные посты игнорируются, счетчики не уходят ниже нуля.
type Counters struct {
	mu    sync.Mutex
	posts map[string]*tally
}

func New() *Counters {
	return &Counters{posts: make(map[string]*tally)}
}

// Track начинает учет поста. likerIDs == nil означает, что состав лайкнувших неизвестен.
func (c *Counters) Track(postID string, t Tally, likerIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &tally{Tally: t, comments: make(map[string]struct{})}
	entry.Likes = max(0, entry.Likes)
	entry.Comments = max(0, entry.Comments)
	if likerIDs != nil {
		entry.likers = make(map[string]struct{}, len(likerIDs))
		for _, id := range likerIDs {
			entry.likers[id] = struct{}{}
		}
	}
	c.posts[postID] = entry
}

func (c *Counters) Forget(postID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.posts, postID)
}

func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = make(map[string]*tally)
}

func (c *Counters) Get(postID string) (Tally, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return Tally{}, false
	}
	return t.Tally, true
}

// ApplyLikeDelta сдвигает счетчик лайков на dir (+1/-1) с полом в нуле.
// Для действия текущего пользователя флаг Liked приводится к направлению; если он
// уже совпадает, событие считается эхом и ничего не меняет.
func (c *Counters) ApplyLikeDelta(postID string, dir int, actorIsViewer bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return false
	}
	_, applied := t.applyLike(dir, actorIsViewer)
	return applied
}

// ApplyLikeEvent применяет удаленное событие лайка с учетом известного состава лайкнувших.
func (c *Counters) ApplyLikeEvent(postID, actorID, viewerID string, dir int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return false
	}

	actorIsViewer := viewerID != "" && actorID == viewerID
	if t.likers != nil && !actorIsViewer {
		_, known := t.likers[actorID]
		if (dir > 0 && known) || (dir < 0 && !known) {
			return false
		}
	}
	_, applied := t.applyLike(dir, actorIsViewer)
	if applied {
		t.trackLiker(actorID, dir)
	}
	return applied
}

// ToggleLike инвертирует лайк текущего пользователя и возвращает примененное изменение.
func (c *Counters) ToggleLike(postID, viewerID string) (LikeChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return LikeChange{}, false
	}
	dir := 1
	if t.Liked {
		dir = -1
	}
	change := LikeChange{Dir: dir, PrevLiked: t.Liked}
	change.CountDelta, _ = t.applyLike(dir, true)
	t.trackLiker(viewerID, dir)
	return change, true
}

// RevertLike откатывает изменение, возвращенное ToggleLike.
func (c *Counters) RevertLike(postID, viewerID string, change LikeChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return
	}
	t.Likes = max(0, t.Likes-change.CountDelta)
	t.Liked = change.PrevLiked
	t.trackLiker(viewerID, -change.Dir)
}

// ApplyCommentDelta увеличивает счетчик комментариев один раз на каждый ID.
func (c *Counters) ApplyCommentDelta(postID, commentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return false
	}
	if commentID != "" {
		if _, seen := t.comments[commentID]; seen {
			return false
		}
		t.comments[commentID] = struct{}{}
	}
	t.Comments++
	return true
}

// SetCommentCount заменяет счетчик длиной загруженного списка комментариев.
func (c *Counters) SetCommentCount(postID string, commentIDs []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return false
	}
	t.Comments = len(commentIDs)
	t.comments = make(map[string]struct{}, len(commentIDs))
	for _, id := range commentIDs {
		t.comments[id] = struct{}{}
	}
	return true
}

// HasComment сообщает, учтен ли комментарий.
func (c *Counters) HasComment(postID, commentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.posts[postID]
	if !ok {
		return false
	}
	_, seen := t.comments[commentID]
	return seen
}

func (t *tally) applyLike(dir int, actorIsViewer bool) (int, bool) {
	if dir != 1 && dir != -1 {
		return 0, false
	}
	if actorIsViewer {
		if t.Liked == (dir > 0) {
			return 0, false
		}
		t.Liked = dir > 0
	}
	before := t.Likes
	t.Likes = max(0, t.Likes+dir)
	return t.Likes - before, true
}

func (t *tally) trackLiker(userID string, dir int) {
	if t.likers == nil || userID == "" {
		return
	}
	if dir > 0 {
		t.likers[userID] = struct{}{}
	} else {
		delete(t.likers, userID)
	}
}
