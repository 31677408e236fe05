// Package session keeps per-conversation history and the last ranked state
// so follow-up questions can refer back to it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// ErrSessionNotFound is returned for unknown or expired sessions
var ErrSessionNotFound = errors.New("session not found")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Info describes a session without exposing its internals
type Info struct {
	ID                string    `json:"session_id"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	MessageCount      int       `json:"message_count"`
	RequestCount      int       `json:"request_count"`
	HasRecommendation bool      `json:"has_recommendation"`
}

// Config holds session settings
type Config struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxHistory    int           `yaml:"max_history"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type session struct {
	mu           sync.Mutex
	id           string
	createdAt    time.Time
	lastActivity time.Time
	messages     []Message
	requestCount int
	lastState    *types.ShippingRequestState
}

func (s *session) info() Info {
	return Info{
		ID:                s.id,
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
		MessageCount:      len(s.messages),
		RequestCount:      s.requestCount,
		HasRecommendation: s.lastState != nil && len(s.lastState.Recommendations) > 0,
	}
}

// Store is an in-memory session store. The map lock is held only for
// lookups; writes to one session are serialized by that session's own lock.
type Store struct {
	config Config
	logger *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

// NewStore creates a store
func NewStore(config Config, logger *logrus.Logger) *Store {
	if config.TTL <= 0 {
		config.TTL = 30 * time.Minute
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = 20
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	logger.WithFields(logrus.Fields{
		"ttl":         config.TTL,
		"max_history": config.MaxHistory,
	}).Info("Session store initialized")

	return &Store{
		config:   config,
		logger:   logger,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Create starts a new session with a generated id
func (st *Store) Create() Info {
	return st.create(uuid.NewString())
}

// GetOrCreate returns the live session with id, or creates it. An empty id
// creates a session with a generated id.
func (st *Store) GetOrCreate(id string) Info {
	if id == "" {
		return st.Create()
	}
	if info, err := st.Get(id); err == nil {
		return info
	}
	return st.create(id)
}

func (st *Store) create(id string) Info {
	now := st.now()
	s := &session{id: id, createdAt: now, lastActivity: now}

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	st.logger.WithField("session_id", id).Debug("Created session")
	return s.info()
}

// Get returns a live session
func (st *Store) Get(id string) (Info, error) {
	s, err := st.live(id)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// AddMessage appends a turn, trimming history to the configured cap
func (st *Store) AddMessage(id, role, content string, metadata map[string]string) error {
	s, err := st.live(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := st.now()
	s.messages = append(s.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  metadata,
	})
	if len(s.messages) > st.config.MaxHistory {
		s.messages = append([]Message(nil), s.messages[len(s.messages)-st.config.MaxHistory:]...)
	}
	if role == RoleUser {
		s.requestCount++
	}
	s.lastActivity = now
	return nil
}

// History returns up to limit most recent messages, oldest first. limit <= 0 returns all.
func (st *Store) History(id string, limit int) ([]Message, error) {
	s, err := st.live(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	messages := s.messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]Message(nil), messages...), nil
}

// SetLastState remembers the most recent ranked state for follow-ups
func (st *Store) SetLastState(id string, state types.ShippingRequestState) error {
	s, err := st.live(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := state.Clone()
	s.lastState = &c
	s.lastActivity = st.now()
	return nil
}

// LastState returns a copy of the remembered state
func (st *Store) LastState(id string) (types.ShippingRequestState, bool, error) {
	s, err := st.live(id)
	if err != nil {
		return types.ShippingRequestState{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastState == nil {
		return types.ShippingRequestState{}, false, nil
	}
	return s.lastState.Clone(), true, nil
}

// Delete removes a session
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(st.sessions, id)
	return nil
}

// Len returns the number of stored sessions, including expired ones not yet swept
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep removes sessions inactive since before now minus the TTL
func (st *Store) Sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions {
		s.mu.Lock()
		expired := now.Sub(s.lastActivity) > st.config.TTL
		s.mu.Unlock()
		if expired {
			delete(st.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		st.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(st.sessions),
		}).Info("Expired sessions removed")
	}
	return removed
}

// Run sweeps expired sessions until ctx is done
func (st *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(st.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st.Sweep(st.now())
		}
	}
}

// live returns the session if it exists and has not expired
func (st *Store) live(id string) (*session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	expired := st.now().Sub(s.lastActivity) > st.config.TTL
	s.mu.Unlock()

	if expired {
		st.mu.Lock()
		if current, ok := st.sessions[id]; ok && current == s {
			delete(st.sessions, id)
		}
		st.mu.Unlock()
		st.logger.WithField("session_id", id).Debug("Session expired")
		return nil, ErrSessionNotFound
	}
	return s, nil
}
