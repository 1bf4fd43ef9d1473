package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/events"
)

// DeviceCodeResponse represents the response from the device code endpoint.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
}

// TokenResponse represents a successful token response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// tokenErrorResponse represents an error response from the token endpoint.
type tokenErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// loginWithDeviceCode runs the full device code flow: request a code,
// publish it on the event bus for the user, poll the token endpoint at
// the advertised interval, and persist the credentials on success.
func (a *Authenticator) loginWithDeviceCode(ctx context.Context) error {
	dcResp, err := a.requestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("requesting device code: %w", err)
	}

	a.bus.Publish(events.TypeOAuthCodeRequired, events.OAuthCodePayload{
		URL:  dcResp.VerificationURI,
		Code: dcResp.UserCode,
	})
	a.log.Info("Waiting for device code authorization",
		"url", dcResp.VerificationURI, "code", dcResp.UserCode)

	tokenResp, err := a.pollForToken(ctx, dcResp.DeviceCode, dcResp.Interval, dcResp.ExpiresIn)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.authToken = tokenResp.AccessToken
	a.mu.Unlock()

	if err := a.validateToken(ctx); err != nil {
		return fmt.Errorf("%w: token validation after device code login: %v", ErrLoginFailed, err)
	}

	a.jar.Set(authTokenCookie, tokenResp.AccessToken)
	a.jar.Set(deviceIDCookie, a.DeviceID())
	if err := a.Persist(); err != nil {
		a.log.Warn("Failed to save cookie jar", "error", err)
	}

	a.log.Event(ctx, "LOGIN", "Authenticated via device code flow", "user_id", a.UserID())
	return nil
}

// requestDeviceCode sends a POST to the device code endpoint.
func (a *Authenticator) requestDeviceCode(ctx context.Context) (*DeviceCodeResponse, error) {
	form := url.Values{
		"client_id": {constants.ClientID},
		"scopes":    {""},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, constants.DeviceCodeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating device code request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Client-Id", constants.ClientID)
	req.Header.Set("User-Agent", constants.DefaultUserAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending device code request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading device code response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code request returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dcResp DeviceCodeResponse
	if err := json.Unmarshal(body, &dcResp); err != nil {
		return nil, fmt.Errorf("parsing device code response: %w", err)
	}

	if dcResp.DeviceCode == "" || dcResp.UserCode == "" {
		return nil, fmt.Errorf("device code response missing required fields")
	}

	return &dcResp, nil
}

// pollForToken polls the token endpoint every interval seconds until the
// user authorizes, the code expires, or the context is cancelled.
func (a *Authenticator) pollForToken(ctx context.Context, deviceCode string, interval, expiresIn int) (*TokenResponse, error) {
	if interval <= 0 {
		interval = 5
	}

	deadline := time.Now().Add(time.Duration(expiresIn) * time.Second)

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device code login cancelled: %w", ctx.Err())
		case t := <-ticker.C:
			if t.After(deadline) {
				return nil, fmt.Errorf("%w: device code expired", ErrLoginFailed)
			}

			tokenResp, err := a.requestToken(ctx, deviceCode)
			if err != nil {
				return nil, err
			}
			if tokenResp != nil {
				return tokenResp, nil
			}
		}
	}
}

// requestToken makes one token request. Returns (nil, nil) while
// authorization is still pending.
func (a *Authenticator) requestToken(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":   {constants.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, constants.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Client-Id", constants.ClientID)
	req.Header.Set("User-Agent", constants.DefaultUserAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		var tokenResp TokenResponse
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return nil, fmt.Errorf("parsing token response: %w", err)
		}
		if tokenResp.AccessToken == "" {
			return nil, fmt.Errorf("token response missing access_token")
		}
		return &tokenResp, nil
	}

	if resp.StatusCode == http.StatusForbidden &&
		strings.Contains(strings.ToLower(string(body)), "captcha") {
		return nil, ErrCaptchaRequired
	}

	if resp.StatusCode == http.StatusBadRequest {
		var errResp tokenErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, fmt.Errorf("parsing token error response: %w", err)
		}

		switch errResp.Message {
		case "authorization_pending":
			return nil, nil
		case "slow_down":
			a.log.Debug("Token endpoint requested slow down")
			return nil, nil
		case "expired_token":
			return nil, fmt.Errorf("%w: device code expired", ErrLoginFailed)
		default:
			return nil, fmt.Errorf("%w: %s (status %d)", ErrLoginFailed, errResp.Message, errResp.Status)
		}
	}

	return nil, fmt.Errorf("token request returned unexpected HTTP %d: %s",
		resp.StatusCode, strings.TrimSpace(string(body)))
}
