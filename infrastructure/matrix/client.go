// Package matrix implements the protocol client on top of the Matrix
// client-server HTTP API.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/domain"
	"matrix-client/errors"
	"matrix-client/stream"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxResponseSize caps every response except /sync, whose size grows with
// the account and is only bounded by the homeserver.
const maxResponseSize = 32 << 20

// Client is the process-wide connection to one homeserver. All methods are
// safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	store      *Store
	now        func() time.Time

	// responseLimit bounds non-sync response bodies.
	responseLimit int64

	mu           sync.RWMutex
	session      *domain.Session
	verification domain.VerificationState
	syncService  *SyncService

	verificationStates   *stream.Feed[domain.VerificationState]
	verificationRequests *stream.Feed[domain.VerificationRequest]
	roomMessages         *stream.Feed[domain.RoomMessage]
}

// New builds a client for serverURL backed by the local store at storePath.
func New(serverURL, storePath string, log *slog.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(serverURL); err != nil {
		return nil, fmt.Errorf("invalid homeserver url %q: %w", serverURL, err)
	}
	store, err := OpenStore(storePath, log)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:              strings.TrimRight(serverURL, "/"),
		httpClient:           &http.Client{},
		log:                  log.With("homeserver", serverURL),
		store:                store,
		now:                  time.Now,
		responseLimit:        maxResponseSize,
		verification:         domain.VerificationUnknown,
		verificationStates:   stream.NewFeed[domain.VerificationState](),
		verificationRequests: stream.NewFeed[domain.VerificationRequest](),
		roomMessages:         stream.NewFeed[domain.RoomMessage](),
	}, nil
}

// NewBuilder returns a contract.ClientBuilder logging through log.
func NewBuilder(log *slog.Logger) contract.ClientBuilder {
	return func(serverURL, storePath string) (contract.ProtocolClient, error) {
		return New(serverURL, storePath, log)
	}
}

// Login authenticates with a password and makes the new session current.
func (c *Client) Login(ctx context.Context, username, password, deviceName string) error {
	request := loginRequest{
		Type:                     "m.login.password",
		Identifier:               userIdentifier{Type: "m.id.user", User: username},
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", "", request, nil, c.responseLimit)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	var response authResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}

	c.authenticate(domain.NewPasswordSession(domain.SessionRecord{
		UserID:       response.UserID,
		DeviceID:     response.DeviceID,
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
	}))
	c.log.Info("Logged in to matrix", "user_id", response.UserID, "device_id", response.DeviceID)
	return nil
}

func (c *Client) CurrentSession() (domain.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return domain.Session{}, false
	}
	return *c.session, true
}

// RestoreSession checks the record's token against the homeserver before
// adopting it. An unknown token or a token owned by another user or device
// is rejected with errors.ErrRestoreRejected.
func (c *Client) RestoreSession(ctx context.Context, record domain.SessionRecord) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", record.AccessToken, nil, nil,
		c.responseLimit)
	if IsMatrixError(err, ErrCodeUnknownToken) || IsMatrixError(err, ErrCodeForbidden) {
		return fmt.Errorf("%w: %w", errors.ErrRestoreRejected, err)
	}
	if err != nil {
		return fmt.Errorf("whoami failed: %w", err)
	}

	var response whoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("failed to parse whoami response: %w", err)
	}
	if response.UserID != record.UserID {
		return fmt.Errorf("%w: token belongs to %s, not %s", errors.ErrRestoreRejected, response.UserID, record.UserID)
	}
	if response.DeviceID != "" && response.DeviceID != record.DeviceID {
		return fmt.Errorf("%w: token belongs to device %s, not %s", errors.ErrRestoreRejected, response.DeviceID, record.DeviceID)
	}

	c.authenticate(domain.NewPasswordSession(record))
	return nil
}

func (c *Client) VerificationStates() contract.Subscription[domain.VerificationState] {
	return c.verificationStates.Subscribe()
}

func (c *Client) VerificationRequests() contract.Subscription[domain.VerificationRequest] {
	return c.verificationRequests.Subscribe()
}

func (c *Client) RoomMessages() contract.Subscription[domain.RoomMessage] {
	return c.roomMessages.Subscribe()
}

// SyncService returns the client's sync service, building it on first use.
func (c *Client) SyncService(ctx context.Context) (contract.SyncService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, errors.ErrNotAuthenticated
	}
	if c.syncService == nil {
		c.syncService = newSyncService(c, c.store, c.session.Record.UserID, c.log)
	}
	return c.syncService, nil
}

// Close ends every subscription and releases the local store.
func (c *Client) Close() error {
	c.mu.Lock()
	syncService := c.syncService
	c.mu.Unlock()
	if syncService != nil {
		syncService.close()
	}
	c.verificationStates.Close()
	c.verificationRequests.Close()
	c.roomMessages.Close()
	return c.store.Close()
}

// CloseIdleConnections drops pooled connections after a network failure so
// the next request dials afresh.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) authenticate(session domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &session
	c.verification = domain.VerificationUnverified
}

func (c *Client) accessToken() (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return "", "", errors.ErrNotAuthenticated
	}
	return c.session.Record.AccessToken, c.session.Record.UserID, nil
}

// announceVerification publishes the current verification state.
func (c *Client) announceVerification() {
	c.mu.RLock()
	state := c.verification
	c.mu.RUnlock()
	c.verificationStates.Publish(state)
}

func (c *Client) setVerification(state domain.VerificationState) {
	c.mu.Lock()
	changed := c.verification != state
	c.verification = state
	c.mu.Unlock()
	if changed {
		c.verificationStates.Publish(state)
	}
}

func (c *Client) sync(ctx context.Context, since string, timeout int) (syncResponse, error) {
	token, _, err := c.accessToken()
	if err != nil {
		return syncResponse{}, err
	}
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	query.Set("timeout", strconv.Itoa(timeout))

	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", token, nil, query, 0)
	if err != nil {
		return syncResponse{}, fmt.Errorf("sync failed: %w", err)
	}
	var response syncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return syncResponse{}, fmt.Errorf("failed to parse sync response: %w", err)
	}
	return response, nil
}

// doRequest sends one request and returns the body of a 2xx response.
// Any other status yields a *MatrixError. A limit of 0 reads the whole body.
func (c *Client) doRequest(ctx context.Context, method, path, accessToken string, requestBody any,
	query url.Values, limit int64) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	var reader io.Reader = response.Body
	if limit > 0 {
		reader = io.LimitReader(response.Body, limit+1)
	}
	responseBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if limit > 0 && int64(len(responseBody)) > limit {
		return nil, fmt.Errorf("%s %s: %w (over %d bytes)", method, path, errors.ErrResponseTooLarge, limit)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return nil, &MatrixError{Code: ErrCodeUnknown, Message: strings.TrimSpace(string(responseBody)),
			StatusCode: response.StatusCode}
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}
