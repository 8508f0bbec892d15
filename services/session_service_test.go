package services

import (
	"context"
	"fmt"
	"log/slog"
	"matrix-client/domain"
	"matrix-client/errors"
	"matrix-client/mocks"
	"matrix-client/observability"
	"matrix-client/repositories"
	"os"
	"path/filepath"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var aliceRecord = domain.SessionRecord{
	UserID:      "@alice:example.org",
	DeviceID:    "ALICEDEVICE",
	AccessToken: "syt_alice_token",
}

var aliceCredentials = Credentials{Username: "alice", Password: "secret"}

func newFileRepository(t *testing.T) *repositories.SessionRepository {
	t.Helper()
	return repositories.NewSessionRepository(filepath.Join(t.TempDir(), "session.yaml"))
}

func TestSessionService_Restore(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctx := context.Background()

	t.Run("should restore a valid persisted session without logging in", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		repo := newFileRepository(t)
		req.NoError(repo.Save(aliceRecord))

		client.EXPECT().RestoreSession(gomock.Any(), aliceRecord).Return(nil).Times(1)
		client.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		svc := NewSessionService(log, client, repo, aliceCredentials, nil)
		session, err := svc.Establish(ctx)

		req.NoError(err)
		req.Equal(SourceRestored, session.Source)
		req.Equal(aliceRecord, session.Record)
		req.Equal(StateAuthenticated, svc.State())
	})

	t.Run("should login exactly once when no session file exists", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)

		client.EXPECT().RestoreSession(gomock.Any(), gomock.Any()).Times(0)
		client.EXPECT().Login(gomock.Any(), "alice", "secret", DeviceDisplayName).Return(nil).Times(1)
		client.EXPECT().CurrentSession().Return(domain.NewPasswordSession(aliceRecord), true).Times(1)

		svc := NewSessionService(log, client, newFileRepository(t), aliceCredentials, nil)
		session, err := svc.Establish(ctx)

		req.NoError(err)
		req.Equal(SourceLogin, session.Source)
		req.NoError(session.PersistErr)
	})

	t.Run("should login exactly once and leave a corrupt session file untouched", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		repo := newFileRepository(t)
		corrupt := []byte("access_token: {{{")
		req.NoError(os.WriteFile(repo.Path(), corrupt, 0o600))

		client.EXPECT().RestoreSession(gomock.Any(), gomock.Any()).Times(0)
		client.EXPECT().Login(gomock.Any(), "alice", "secret", DeviceDisplayName).
			Return(fmt.Errorf("connection refused")).Times(1)

		svc := NewSessionService(log, client, repo, aliceCredentials, nil)
		_, err := svc.Establish(ctx)

		req.ErrorIs(err, errors.ErrLoginFailed)
		content, readErr := os.ReadFile(repo.Path())
		req.NoError(readErr)
		req.Equal(corrupt, content)
	})

	t.Run("should fall back to login when the homeserver rejects the restored session", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		repo := newFileRepository(t)
		req.NoError(repo.Save(aliceRecord))
		fresh := domain.SessionRecord{UserID: aliceRecord.UserID, DeviceID: "NEWDEVICE", AccessToken: "syt_fresh"}

		gomock.InOrder(
			client.EXPECT().RestoreSession(gomock.Any(), aliceRecord).
				Return(fmt.Errorf("%w: M_UNKNOWN_TOKEN", errors.ErrRestoreRejected)),
			client.EXPECT().Login(gomock.Any(), "alice", "secret", DeviceDisplayName).Return(nil),
			client.EXPECT().CurrentSession().Return(domain.NewPasswordSession(fresh), true),
		)

		svc := NewSessionService(log, client, repo, aliceCredentials, nil)
		session, err := svc.Establish(ctx)

		req.NoError(err)
		req.Equal(fresh, session.Record)
		persisted, err := repo.Load()
		req.NoError(err)
		req.Equal(fresh, persisted)
	})
}

func TestSessionService_Login(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctx := context.Background()

	t.Run("should persist a session that restores without another login", func(t *testing.T) {
		req := require.New(t)
		repo := newFileRepository(t)

		// Given a first process logging in as alice
		firstCtrl := gomock.NewController(t)
		first := mocks.NewMockProtocolClient(firstCtrl)
		first.EXPECT().Login(gomock.Any(), "alice", "secret", DeviceDisplayName).Return(nil).Times(1)
		first.EXPECT().CurrentSession().Return(domain.NewPasswordSession(aliceRecord), true).Times(1)
		_, err := NewSessionService(log, first, repo, aliceCredentials, nil).Establish(ctx)
		req.NoError(err)

		// When a second process starts from the same session file
		secondCtrl := gomock.NewController(t)
		second := mocks.NewMockProtocolClient(secondCtrl)
		second.EXPECT().RestoreSession(gomock.Any(), aliceRecord).Return(nil).Times(1)
		second.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
		session, err := NewSessionService(log, second, repo, aliceCredentials, nil).Establish(ctx)

		// Then it is authenticated by restore alone
		req.NoError(err)
		req.Equal(SourceRestored, session.Source)
	})

	t.Run("should write the access token returned for alice to a missing session path", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		path := filepath.Join(t.TempDir(), "does", "not", "exist", "session.yaml")
		repo := repositories.NewSessionRepository(path)

		client.EXPECT().Login(gomock.Any(), "alice", "secret", DeviceDisplayName).Return(nil).Times(1)
		client.EXPECT().CurrentSession().Return(domain.NewPasswordSession(aliceRecord), true).Times(1)

		_, err := NewSessionService(log, client, repo, aliceCredentials, nil).Establish(ctx)
		req.NoError(err)

		decoded, err := repositories.NewSessionRepository(path).Load()
		req.NoError(err)
		req.Equal(aliceRecord.AccessToken, decoded.AccessToken)
	})

	t.Run("should fail without retrying when login fails", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		cause := fmt.Errorf("M_FORBIDDEN: invalid password")

		client.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(cause).Times(1)
		client.EXPECT().CurrentSession().Times(0)

		svc := NewSessionService(log, client, newFileRepository(t), aliceCredentials, nil)
		_, err := svc.Establish(ctx)

		req.ErrorIs(err, errors.ErrLoginFailed)
		req.ErrorIs(err, cause)
		req.Equal(StateFailed, svc.State())
	})

	t.Run("should reject a session that is not password based", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		repo := mocks.NewMockISessionRepository(ctrl)

		repo.EXPECT().Load().Return(domain.SessionRecord{}, errors.ErrSessionNotFound)
		repo.EXPECT().Save(gomock.Any()).Times(0)
		client.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
		client.EXPECT().CurrentSession().
			Return(domain.Session{Kind: domain.SessionKindOIDC, Record: aliceRecord}, true)

		svc := NewSessionService(log, client, repo, aliceCredentials, nil)
		_, err := svc.Establish(ctx)

		req.ErrorIs(err, errors.ErrUnsupportedSessionKind)
		req.Equal(StateFailed, svc.State())
	})

	t.Run("should fail when the client reports no session after login", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)

		client.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		client.EXPECT().CurrentSession().Return(domain.Session{}, false)

		_, err := NewSessionService(log, client, newFileRepository(t), aliceCredentials, nil).Establish(ctx)

		req.ErrorIs(err, errors.ErrNoSession)
	})

	t.Run("should stay authenticated when the session cannot be persisted", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		repo := mocks.NewMockISessionRepository(ctrl)
		diskFull := fmt.Errorf("no space left on device")

		repo.EXPECT().Load().Return(domain.SessionRecord{}, errors.ErrSessionNotFound)
		repo.EXPECT().Save(aliceRecord).Return(diskFull).Times(1)
		client.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		client.EXPECT().CurrentSession().Return(domain.NewPasswordSession(aliceRecord), true)

		svc := NewSessionService(log, client, repo, aliceCredentials, nil)
		session, err := svc.Establish(ctx)

		req.NoError(err)
		req.Equal(aliceRecord, session.Record)
		req.ErrorIs(session.PersistErr, errors.ErrSessionNotPersisted)
		req.ErrorIs(session.PersistErr, diskFull)
		req.Equal(StateAuthenticated, svc.State())
	})
}

func TestSessionService_Establish_Only_Once(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	client := mocks.NewMockProtocolClient(ctrl)
	metrics := observability.NewMetrics()

	client.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	client.EXPECT().CurrentSession().Return(domain.NewPasswordSession(aliceRecord), true).Times(1)

	svc := NewSessionService(log, client, newFileRepository(t), aliceCredentials, metrics)
	_, err := svc.Establish(context.Background())
	req.NoError(err)

	// When establishing a second time in the same process
	_, err = svc.Establish(context.Background())

	// Then nothing is attempted again
	req.ErrorIs(err, errors.ErrAlreadyEstablished)
	req.Equal(1.0, testutil.ToFloat64(metrics.SessionOutcomes.WithLabelValues(string(SourceLogin))))
}

func TestSessionService_State_During_Establish(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	client := mocks.NewMockProtocolClient(ctrl)

	// Given a login that blocks until the test lets it go
	inLogin := make(chan struct{})
	release := make(chan struct{})
	client.EXPECT().Login(gomock.Any(), "alice", "secret", DeviceDisplayName).
		DoAndReturn(func(ctx context.Context, username, password, deviceName string) error {
			close(inLogin)
			<-release
			return nil
		}).Times(1)
	client.EXPECT().CurrentSession().Return(domain.NewPasswordSession(aliceRecord), true)

	svc := NewSessionService(log, client, newFileRepository(t), aliceCredentials, nil)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Establish(context.Background())
		done <- err
	}()

	// When the state is read while the login is in flight
	<-inLogin
	state := svc.State()
	close(release)

	// Then it reports the login attempt without waiting for it
	req.Equal(StateLoginAttempted, state)
	req.NoError(<-done)
	req.Equal(StateAuthenticated, svc.State())
}
