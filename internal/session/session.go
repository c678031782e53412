package session

import (
	"sync"

	"github.com/ButyrinIA/feedsync/internal/models"
)

// Session хранит текущего пользователя. Каждая смена пользователя увеличивает поколение,
// по которому компоненты отбрасывают ответы, пришедшие для прежней сессии.
type Session struct {
	mu         sync.RWMutex
	viewer     *models.Viewer
	generation uint64
}

func New() *Session {
	return &Session{}
}

func (s *Session) Set(v *models.Viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v != nil {
		cp := *v
		v = &cp
	}
	s.viewer = v
	s.generation++
}

func (s *Session) Clear() {
	s.Set(nil)
}

// Viewer возвращает копию текущего пользователя или nil.
func (s *Session) Viewer() *models.Viewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.viewer == nil {
		return nil
	}
	cp := *s.viewer
	return &cp
}

func (s *Session) ViewerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.viewer == nil {
		return ""
	}
	return s.viewer.Profile.ID
}

func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// UpdateProfile заменяет профиль текущего пользователя без смены поколения.
func (s *Session) UpdateProfile(p models.Profile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewer == nil || s.viewer.Profile.ID != p.ID {
		return false
	}
	s.viewer.Profile = p
	return true
}

// AdjustFollowing меняет счетчик подписок текущего пользователя.
func (s *Session) AdjustFollowing(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewer == nil {
		return
	}
	s.viewer.Following = max(0, s.viewer.Following+delta)
}

// Guard фиксирует пользователя и поколение на момент начала операции.
type Guard struct {
	session    *Session
	viewerID   string
	generation uint64
}

func (s *Session) Guard() Guard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := Guard{session: s, generation: s.generation}
	if s.viewer != nil {
		g.viewerID = s.viewer.Profile.ID
	}
	return g
}

func (g Guard) ViewerID() string {
	return g.viewerID
}

// Valid сообщает, что сессия не менялась с момента захвата.
func (g Guard) Valid() bool {
	if g.session == nil {
		return false
	}
	return g.session.Generation() == g.generation
}
