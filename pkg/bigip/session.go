package bigip

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type loginRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	LoginProviderName string `json:"loginProviderName"`
}

type loginResponse struct {
	Token struct {
		Token   string `json:"token"`
		Timeout int    `json:"timeout"`
	} `json:"token"`
}

// Connect exchanges credentials for a bearer token. It fails closed: any
// error, non-200 status or missing token leaves the session
// unauthenticated and returns false.
func (c *Client) Connect(ctx context.Context, username, password string) bool {
	c.token = ""
	slog.Debug("login_started", "host", c.host, "username", username)

	resp, err := c.Do(ctx, http.MethodPost, loginPath, loginRequest{
		Username:          username,
		Password:          password,
		LoginProviderName: c.loginProvider,
	})
	if err != nil {
		slog.Warn("login_failed", "host", c.host, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("login_rejected", "host", c.host, "status", resp.StatusCode)
		return false
	}

	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		slog.Warn("login_decode_failed", "host", c.host, "error", err)
		return false
	}
	if payload.Token.Token == "" {
		slog.Warn("login_missing_token", "host", c.host)
		return false
	}

	c.token = payload.Token.Token
	c.tokenExpiry = time.Now().Add(time.Duration(payload.Token.Timeout) * time.Second)
	slog.Info("login_succeeded", "host", c.host)

	c.extendToken(ctx)
	return true
}

// extendToken raises the token lifetime so long artifact transfers do not
// outlive it. Failure is only a warning.
func (c *Client) extendToken(ctx context.Context) {
	resp, err := c.Do(ctx, http.MethodPatch, tokensPath+c.token, map[string]int{"timeout": c.tokenLifetime})
	if err != nil {
		slog.Warn("token_extend_failed", "host", c.host, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("token_extend_rejected", "host", c.host, "status", resp.StatusCode)
		return
	}
	c.tokenExpiry = time.Now().Add(time.Duration(c.tokenLifetime) * time.Second)
	slog.Debug("token_extended", "host", c.host, "lifetime_seconds", c.tokenLifetime)
}

// Logout revokes the token. Errors are logged, never returned.
func (c *Client) Logout(ctx context.Context) {
	if c.token == "" {
		return
	}
	token := c.token
	defer func() {
		c.token = ""
		c.tokenExpiry = time.Time{}
	}()

	resp, err := c.Do(ctx, http.MethodDelete, tokensPath+token, nil)
	if err != nil {
		slog.Warn("logout_failed", "host", c.host, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		slog.Warn("logout_rejected", "host", c.host, "status", resp.StatusCode)
		return
	}
	slog.Debug("logout_succeeded", "host", c.host)
}
