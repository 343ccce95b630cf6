// Package sessions provides the chat-scoped session lifecycle store.
//
// Each chat id owns at most one active session. Mutations for the same chat
// are serialized through a per-chat lock; chats never block one another.
// Terminal sessions (completed, stopped, expired) are immutable and are
// retained read-only until the retention sweep purges them.
package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketmind/marketmind/pkg/models"
)

// ErrNoActiveSession is returned by operations that require an active
// session (TrackWorkflow). Best-effort operations (AddMessage, AddMetric,
// CompleteWorkflow, Stop) silently no-op instead, because they race with
// stop/expiry in normal operation and must not crash a healthy stream.
var ErrNoActiveSession = errors.New("sessions: no active session")

// Store is an in-memory session store keyed by chat id.
//
// Thread Safety:
// Store is safe for concurrent use. Operations on the same chat id are
// serialized; operations on different chat ids proceed independently.
type Store struct {
	mu       sync.RWMutex
	active   map[string]*models.Session // chatID -> active session
	terminal map[string]*models.Session // chatID -> most recent terminal session
	locks    *chatLocks
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewStore creates a new in-memory session store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		active:   make(map[string]*models.Session),
		terminal: make(map[string]*models.Session),
		locks:    newChatLocks(),
		logger:   logger.With("component", "sessions"),
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFunc = fn
	}
}

// GetOrCreate returns the active session for the chat, creating a fresh one
// (new id, empty history and workflows) if none exists. A terminal prior
// session is superseded, not resurrected.
func (s *Store) GetOrCreate(chatID string) *models.Session {
	unlock := s.locks.lock(chatID)
	defer unlock()

	if sess := s.lookupActive(chatID); sess != nil {
		return sess.Clone()
	}

	now := s.nowFunc()
	sess := &models.Session{
		ID:             models.NewSessionID(chatID, now),
		ChatID:         chatID,
		Status:         models.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	s.active[chatID] = sess
	s.mu.Unlock()

	s.logger.Debug("session created", "chat_id", chatID, "session_id", sess.ID)
	return sess.Clone()
}

// Get returns the active session for the chat, or nil if none. Terminal
// sessions are invisible to this query; use GetCompleted for those.
func (s *Store) Get(chatID string) *models.Session {
	s.mu.RLock()
	sess := s.active[chatID]
	s.mu.RUnlock()
	return sess.Clone()
}

// GetCompleted returns the most recent terminal session for the chat, or nil.
func (s *Store) GetCompleted(chatID string) *models.Session {
	s.mu.RLock()
	sess := s.terminal[chatID]
	s.mu.RUnlock()
	return sess.Clone()
}

// Status reports the lifecycle state for the chat: the active session's
// status if one exists, otherwise the latest terminal status, otherwise "".
func (s *Store) Status(chatID string) models.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess := s.active[chatID]; sess != nil {
		return sess.Status
	}
	if sess := s.terminal[chatID]; sess != nil {
		return sess.Status
	}
	return ""
}

// Stop transitions the active session to stopped, recording the reason.
// No-op when no active session exists; it never fails.
func (s *Store) Stop(chatID, reason string) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	sess := s.lookupActive(chatID)
	if sess == nil {
		return
	}
	sess.StopReason = reason
	s.retire(sess, models.SessionStopped)
	s.logger.Info("session stopped", "chat_id", chatID, "session_id", sess.ID, "reason", reason)
}

// Complete transitions the active session to completed.
// No-op when no active session exists.
func (s *Store) Complete(chatID string) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	sess := s.lookupActive(chatID)
	if sess == nil {
		return
	}
	s.retire(sess, models.SessionCompleted)
	s.logger.Info("session completed", "chat_id", chatID, "session_id", sess.ID)
}

// TrackWorkflow appends a new workflow record to the active session and
// returns its generated id. Returns ErrNoActiveSession when the chat has
// no active session: starting a workflow without one is a caller bug.
func (s *Store) TrackWorkflow(chatID, workflowType, ticker string) (string, error) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	sess := s.lookupActive(chatID)
	if sess == nil {
		return "", ErrNoActiveSession
	}

	now := s.nowFunc()
	wf := models.Workflow{
		ID:        uuid.NewString(),
		Type:      workflowType,
		Ticker:    ticker,
		StartedAt: now,
	}
	sess.Workflows = append(sess.Workflows, wf)
	if ticker != "" {
		sess.Ticker = ticker
	}
	sess.LastActivityAt = now

	s.logger.Debug("workflow tracked",
		"chat_id", chatID, "workflow_id", wf.ID, "type", workflowType, "ticker", ticker)
	return wf.ID, nil
}

// CompleteWorkflow marks a workflow finished with the given result.
// Silent no-op when the session or the workflow id is unknown: workflow
// completion races with stop/expiry and must not crash the caller.
func (s *Store) CompleteWorkflow(chatID, workflowID, result string) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	sess := s.lookupActive(chatID)
	if sess == nil {
		return
	}
	for i := range sess.Workflows {
		if sess.Workflows[i].ID != workflowID {
			continue
		}
		if sess.Workflows[i].Completed() {
			return
		}
		sess.Workflows[i].CompletedAt = s.nowFunc()
		sess.Workflows[i].Result = result
		sess.LastActivityAt = s.nowFunc()
		return
	}
}

// AddMessage appends a conversation entry to the active session.
// Silent no-op when no active session exists (a stream may outlive its
// session due to a race with stop/expiry).
func (s *Store) AddMessage(chatID string, role models.ChatRole, content string) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	sess := s.lookupActive(chatID)
	if sess == nil {
		return
	}
	now := s.nowFunc()
	sess.History = append(sess.History, models.ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	sess.LastActivityAt = now
}

// AddMetric increments a named session counter by delta.
// Silent no-op when no active session exists or the name is unknown.
func (s *Store) AddMetric(chatID, name string, delta int64) {
	if delta <= 0 {
		return
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	sess := s.lookupActive(chatID)
	if sess == nil {
		return
	}
	switch name {
	case models.MetricTokens:
		sess.Metrics.Tokens += delta
	case models.MetricToolCalls:
		sess.Metrics.ToolCalls += delta
	case models.MetricTurns:
		sess.Metrics.Turns += delta
	case models.MetricErrors:
		sess.Metrics.Errors += delta
	default:
		s.logger.Debug("unknown session metric", "chat_id", chatID, "name", name)
	}
}

// ActiveCount returns the number of currently active sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Sweep expires active sessions older than ttl and purges terminal
// sessions retired longer than retention ago. It returns the number of
// sessions expired and purged. Per-chat locks are taken one chat at a
// time so the sweep never blocks operations on unrelated chats.
func (s *Store) Sweep(ttl, retention time.Duration) (expired, purged int) {
	now := s.nowFunc()

	s.mu.RLock()
	chats := make([]string, 0, len(s.active)+len(s.terminal))
	for chatID := range s.active {
		chats = append(chats, chatID)
	}
	for chatID := range s.terminal {
		chats = append(chats, chatID)
	}
	s.mu.RUnlock()

	for _, chatID := range chats {
		unlock := s.locks.lock(chatID)

		if sess := s.lookupActive(chatID); sess != nil && ttl > 0 && now.Sub(sess.CreatedAt) > ttl {
			s.retire(sess, models.SessionExpired)
			expired++
			s.logger.Info("session expired", "chat_id", chatID, "session_id", sess.ID)
		}

		s.mu.Lock()
		if sess := s.terminal[chatID]; sess != nil && retention > 0 && now.Sub(sess.CompletedAt) > retention {
			delete(s.terminal, chatID)
			purged++
		}
		s.mu.Unlock()

		unlock()
	}
	return expired, purged
}

// lookupActive returns the store-owned active session for the chat.
// Callers must hold the chat lock before mutating the result.
func (s *Store) lookupActive(chatID string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[chatID]
}

// retire moves an active session into a terminal state.
// Callers must hold the chat lock.
func (s *Store) retire(sess *models.Session, status models.SessionStatus) {
	sess.Status = status
	sess.CompletedAt = s.nowFunc()

	s.mu.Lock()
	delete(s.active, sess.ChatID)
	s.terminal[sess.ChatID] = sess
	s.mu.Unlock()
}
