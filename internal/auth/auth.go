package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
)

// ErrLoginFailed means authentication could not complete and the user
// must intervene (restart the device-code flow).
var ErrLoginFailed = errors.New("login failed")

// ErrCaptchaRequired means the platform answered with a challenge the
// harvester cannot solve headlessly.
var ErrCaptchaRequired = errors.New("captcha required")

// deviceIDCookie is the stable platform cookie holding the device ID.
const deviceIDCookie = "unique_id"

// authTokenCookie holds the OAuth access token in the jar.
const authTokenCookie = "auth-token"

// Authenticator handles login, token management, and cookie persistence.
// It is safe for concurrent use.
type Authenticator struct {
	mu sync.RWMutex

	authToken string
	userID    string
	deviceID  string
	sessionID string

	jar     *CookieJar
	jarFile string

	bus *events.Bus
	log *logger.Logger

	httpClient *http.Client
}

// New creates an Authenticator persisting to DATA_DIR/cookies.jar.
// The session ID is fresh per process; the device ID is read from the
// stable platform cookie when present, otherwise generated and saved.
func New(dataDir string, bus *events.Bus, log *logger.Logger) *Authenticator {
	a := &Authenticator{
		jar:       NewCookieJar(),
		jarFile:   filepath.Join(dataDir, "cookies.jar"),
		sessionID: uuid.NewString(),
		bus:       bus,
		log:       log,
		httpClient: &http.Client{
			Timeout: constants.DefaultHTTPTimeout,
		},
	}

	if CookieFileExists(a.jarFile) {
		if err := a.jar.Load(a.jarFile); err != nil {
			log.Warn("Failed to load cookie jar", "file", a.jarFile, "error", err)
		}
	}

	a.deviceID = a.jar.Get(deviceIDCookie)
	if a.deviceID == "" {
		a.deviceID = generateDeviceID()
		a.jar.Set(deviceIDCookie, a.deviceID)
	}

	return a
}

// Jar exposes the cookie jar for the shared HTTP client.
func (a *Authenticator) Jar() *CookieJar {
	return a.jar
}

// Login validates cached credentials and falls back to the device-code
// flow. On success the access token and user ID are populated; the jar
// is persisted after a device-code login.
func (a *Authenticator) Login(ctx context.Context) error {
	if token := a.jar.Get(authTokenCookie); token != "" {
		a.mu.Lock()
		a.authToken = token
		a.mu.Unlock()

		if err := a.validateToken(ctx); err == nil {
			a.log.Event(ctx, "LOGIN", "Authenticated from cookie jar", "user_id", a.UserID())
			a.publishLoginStatus(true)
			return nil
		}
		a.log.Warn("Cached token is invalid, starting device code login")
		a.mu.Lock()
		a.authToken = ""
		a.mu.Unlock()
	}

	a.bus.Publish(events.TypeLoginRequired, nil)
	a.bus.Publish(events.TypeAttentionRequired, events.AttentionPayload{Reason: "login", Sound: true})

	if err := a.loginWithDeviceCode(ctx); err != nil {
		a.publishLoginStatus(false)
		return err
	}

	a.publishLoginStatus(true)
	return nil
}

// Persist saves the cookie jar; called on shutdown and after credential
// changes.
func (a *Authenticator) Persist() error {
	return a.jar.Save(a.jarFile)
}

// validateToken issues the lightweight validation request and stores the
// resulting user ID.
func (a *Authenticator) validateToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, constants.ValidateURL, nil)
	if err != nil {
		return fmt.Errorf("creating validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+a.AuthToken())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validating token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token validation returned status %d", resp.StatusCode)
	}

	var result struct {
		Login  string `json:"login"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding validate response: %w", err)
	}

	a.mu.Lock()
	a.userID = result.UserID
	a.mu.Unlock()
	return nil
}

// AuthToken returns the current OAuth token.
func (a *Authenticator) AuthToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authToken
}

// UserID returns the authenticated user's numeric ID.
func (a *Authenticator) UserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userID
}

// DeviceID returns the stable device identifier.
func (a *Authenticator) DeviceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceID
}

// SessionID returns the per-process session identifier.
func (a *Authenticator) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// Headers returns the client headers for platform API requests. The
// fixed Client-Id and User-Agent present the harvester as the mobile app.
func (a *Authenticator) Headers() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := map[string]string{
		"Client-Id":         constants.ClientID,
		"Client-Session-Id": a.sessionID,
		"X-Device-Id":       a.deviceID,
		"User-Agent":        constants.DefaultUserAgent,
	}
	if a.authToken != "" {
		h["Authorization"] = "OAuth " + a.authToken
	}
	return h
}

func (a *Authenticator) publishLoginStatus(loggedIn bool) {
	a.bus.Publish(events.TypeLoginStatus, events.LoginStatusPayload{
		LoggedIn: loggedIn,
		UserID:   a.UserID(),
	})
}

// generateDeviceID creates a random 32-character alphanumeric device ID.
func generateDeviceID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return strings.Repeat("0", 32)
	}
	for i := range randomBytes {
		randomBytes[i] = charset[int(randomBytes[i])%len(charset)]
	}
	return string(randomBytes)
}

// GenerateHex creates a random hex string of the given byte length,
// used for PubSub nonces.
func GenerateHex(numBytes int) string {
	randomBytes := make([]byte, numBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return strings.Repeat("0", numBytes*2)
	}
	return fmt.Sprintf("%x", randomBytes)
}
