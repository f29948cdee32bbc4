// Package session holds the signed-in user for the lifetime of a login.
package session

import (
	"log/slog"
	"sync"

	"convsync/internal/domain"
)

// User is the signed-in account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Token       string `json:"-"`
}

// Sender returns the user as a message author.
func (u User) Sender() domain.Sender {
	name := u.DisplayName
	if name == "" {
		name = u.ID
	}
	return domain.Sender{ID: u.ID, DisplayName: name, AvatarURL: u.AvatarURL}
}

// Service is created once at startup, begun on login and ended on logout.
type Service struct {
	mu      sync.RWMutex
	current *User
	nextID  int
	onEnd   map[int]func(User)
	logger  *slog.Logger
}

// New creates a service with no active session.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{onEnd: make(map[int]func(User)), logger: logger}
}

// Begin starts a session for u, replacing any previous one.
func (s *Service) Begin(u User) error {
	if u.ID == "" {
		return domain.ErrEmptyUserID
	}
	s.End()
	s.mu.Lock()
	s.current = &u
	s.mu.Unlock()
	s.logger.Info("session started", "user_id", u.ID)
	return nil
}

// End terminates the active session and runs the end hooks. It is a no-op
// without one.
func (s *Service) End() {
	s.mu.Lock()
	u := s.current
	s.current = nil
	hooks := make([]func(User), 0, len(s.onEnd))
	for _, h := range s.onEnd {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()

	if u == nil {
		return
	}
	for _, h := range hooks {
		h(*u)
	}
	s.logger.Info("session ended", "user_id", u.ID)
}

// Current returns the signed-in user.
func (s *Service) Current() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return User{}, false
	}
	return *s.current, true
}

// OnEnd registers f to run when the session ends and returns a function
// that unregisters it.
func (s *Service) OnEnd(f func(User)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.onEnd[id] = f
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onEnd, id)
		s.mu.Unlock()
	}
}
