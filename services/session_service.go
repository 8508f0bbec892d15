package services

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/domain"
	"matrix-client/errors"
	"matrix-client/observability"
	"matrix-client/repositories"
	"sync"
)

// DeviceDisplayName is the name shown for this device in other clients.
const DeviceDisplayName = "matrix-client"

type SessionState string

const (
	StateStart            SessionState = "start"
	StateRestoreAttempted SessionState = "restore_attempted"
	StateLoginAttempted   SessionState = "login_attempted"
	StateAuthenticated    SessionState = "authenticated"
	StateFailed           SessionState = "failed"
)

type SessionSource string

const (
	SourceRestored SessionSource = "restored"
	SourceLogin    SessionSource = "login"
)

// AuthenticatedSession is the outcome of a successful Establish.
// PersistErr is set when login succeeded but the session file could not be
// written: the session is valid for this process only.
type AuthenticatedSession struct {
	Record     domain.SessionRecord
	Source     SessionSource
	PersistErr error
}

type Credentials struct {
	Username string
	Password string
}

type ISessionService interface {
	Establish(ctx context.Context) (AuthenticatedSession, error)
	State() SessionState
}

// SessionService authenticates the process exactly once, preferring the
// persisted session over a fresh login.
type SessionService struct {
	log         *slog.Logger
	client      contract.ProtocolClient
	repository  repositories.ISessionRepository
	credentials Credentials
	metrics     *observability.Metrics

	// establishing serializes Establish; mu only guards state so State can
	// be read while a restore or login is in flight.
	establishing sync.Mutex
	mu           sync.Mutex
	state        SessionState
}

func NewSessionService(log *slog.Logger, client contract.ProtocolClient,
	repository repositories.ISessionRepository, credentials Credentials,
	metrics *observability.Metrics) *SessionService {
	return &SessionService{
		log:         log,
		client:      client,
		repository:  repository,
		credentials: credentials,
		metrics:     metrics,
		state:       StateStart,
	}
}

func (s *SessionService) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Establish restores the persisted session or falls back to a single login.
// Restore problems are logged and never fatal; a login failure is returned
// as is and not retried. Once authenticated, further calls fail with
// errors.ErrAlreadyEstablished.
func (s *SessionService) Establish(ctx context.Context) (AuthenticatedSession, error) {
	s.establishing.Lock()
	defer s.establishing.Unlock()

	switch s.State() {
	case StateAuthenticated:
		return AuthenticatedSession{}, errors.ErrAlreadyEstablished
	case StateFailed:
		s.transition(StateStart)
	}

	// 1. Restore the persisted session, if any
	if record, ok := s.restore(ctx); ok {
		s.transition(StateAuthenticated)
		s.metrics.RecordSessionOutcome(string(SourceRestored))
		s.log.Info("Session restored", "user_id", record.UserID, "device_id", record.DeviceID)
		return AuthenticatedSession{Record: record, Source: SourceRestored}, nil
	}

	// 2. Log in with the configured credentials
	record, err := s.login(ctx)
	if err != nil {
		s.transition(StateFailed)
		s.metrics.RecordSessionOutcome(string(StateFailed))
		return AuthenticatedSession{}, err
	}
	s.transition(StateAuthenticated)
	s.metrics.RecordSessionOutcome(string(SourceLogin))
	s.log.Info("Logged in", "user_id", record.UserID, "device_id", record.DeviceID)

	// 3. Persist it for the next start; a write failure does not undo the login
	session := AuthenticatedSession{Record: record, Source: SourceLogin}
	if err := s.repository.Save(record); err != nil {
		session.PersistErr = fmt.Errorf("%w: %w", errors.ErrSessionNotPersisted, err)
		s.log.Warn("Session is valid for this run only", "error", session.PersistErr)
	}
	return session, nil
}

func (s *SessionService) restore(ctx context.Context) (domain.SessionRecord, bool) {
	s.transition(StateRestoreAttempted)

	record, err := s.repository.Load()
	if goerrors.Is(err, errors.ErrSessionNotFound) {
		s.log.Info("No persisted session")
		return domain.SessionRecord{}, false
	}
	if err != nil {
		s.log.Warn("Persisted session unusable, falling back to login", "error", err)
		return domain.SessionRecord{}, false
	}

	if err := s.client.RestoreSession(ctx, record); err != nil {
		s.log.Warn("Persisted session rejected, falling back to login",
			"user_id", record.UserID, "error", err)
		return domain.SessionRecord{}, false
	}
	return record, true
}

func (s *SessionService) login(ctx context.Context) (domain.SessionRecord, error) {
	s.transition(StateLoginAttempted)

	if err := s.client.Login(ctx, s.credentials.Username, s.credentials.Password, DeviceDisplayName); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("%w: %w", errors.ErrLoginFailed, err)
	}

	session, ok := s.client.CurrentSession()
	if !ok {
		return domain.SessionRecord{}, errors.ErrNoSession
	}
	if session.Kind != domain.SessionKindPassword {
		return domain.SessionRecord{}, fmt.Errorf("%w: %s", errors.ErrUnsupportedSessionKind, session.Kind)
	}
	return session.Record, nil
}

func (s *SessionService) transition(to SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.log.Debug("Session state", "from", from, "to", to)
}
