package bigip

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

const (
	bashPath   = "/mgmt/tm/util/bash"
	unixMvPath = "/mgmt/tm/util/unix-mv"
)

type utilRequest struct {
	Command     string `json:"command"`
	UtilCmdArgs string `json:"utilCmdArgs"`
}

type utilResponse struct {
	CommandResult string `json:"commandResult"`
}

// Shell runs commands on the appliance through the util endpoints.
// Every call can mutate remote files; callers quote their own paths.
type Shell struct {
	client  *Client
	limiter *rate.Limiter
}

// NewShell creates a Shell throttled to perSecond calls. Zero or negative
// disables throttling.
func NewShell(client *Client, perSecond float64) *Shell {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Shell{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Run executes command with bash -c and returns the captured output.
// ok is false on transport errors or a non-200 response.
func (s *Shell) Run(ctx context.Context, command string) (string, bool) {
	slog.Debug("shell_command", "host", s.client.Host(), "command", command)

	out, ok := s.call(ctx, bashPath, "-c "+Quote(command))
	if ok {
		slog.Debug("shell_command_output", "host", s.client.Host(), "bytes", len(out))
	}
	return out, ok
}

// Move renames src to dst with the unix-mv endpoint. Paths are passed
// unquoted, so they must not contain whitespace.
func (s *Shell) Move(ctx context.Context, src, dst string) bool {
	slog.Debug("shell_move", "host", s.client.Host(), "src", src, "dst", dst)

	out, ok := s.call(ctx, unixMvPath, src+" "+dst)
	if !ok {
		return false
	}
	if msg := strings.TrimSpace(out); msg != "" {
		slog.Warn("shell_move_rejected", "host", s.client.Host(), "src", src, "output", msg)
		return false
	}
	return true
}

func (s *Shell) call(ctx context.Context, path, args string) (string, bool) {
	if err := s.limiter.Wait(ctx); err != nil {
		slog.Warn("shell_throttle_aborted", "host", s.client.Host(), "error", err)
		return "", false
	}

	resp, err := s.client.Do(ctx, http.MethodPost, path, utilRequest{Command: "run", UtilCmdArgs: args})
	if err != nil {
		slog.Warn("shell_request_failed", "host", s.client.Host(), "path", path, "error", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := newStatusError(resp, http.MethodPost, path)
		slog.Warn("shell_request_rejected", "host", s.client.Host(), "path", path, "status", serr.Code, "body", serr.Body)
		return "", false
	}

	var payload utilResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		slog.Warn("shell_decode_failed", "host", s.client.Host(), "path", path, "error", err)
		return "", false
	}
	return payload.CommandResult, true
}
