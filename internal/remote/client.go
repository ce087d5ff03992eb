// Package remote reaches an execution-capable peer over its HTTP execute
// endpoint. Failures are classified into connection failures, timeouts, and
// remote errors so the coordinator can retry the right ones and surface the
// rest verbatim.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-duet/internal/shared"
)

// ErrConnectionFailed means the peer could not be reached at all.
var ErrConnectionFailed = errors.New("connection to peer failed")

// ErrTimedOut means the call exceeded its deadline.
var ErrTimedOut = errors.New("remote call timed out")

// Error carries the peer-reported failure message verbatim so the
// coordinator can surface something actionable.
type Error struct {
	Method  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Method, e.Message)
}

const healthCheckTimeout = 2 * time.Second

// Client issues opaque method calls against a peer.
type Client struct {
	client *http.Client
	logger *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		// No client-level timeout: each call carries its own deadline.
		client: &http.Client{},
		logger: logger,
	}
}

type callRequest struct {
	Method string            `json:"method"`
	Args   map[string]string `json:"args,omitempty"`
}

type callResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Call performs a single opaque call against peerAddr with a hard timeout.
// The returned error is ErrConnectionFailed, ErrTimedOut, or *Error (with
// the remote message), each wrapped with call context.
func (c *Client) Call(ctx context.Context, peerAddr, method string, args map[string]string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug("remote call",
		"peer", peerAddr, "method", method,
		"task_id", shared.TaskID(ctx), "trace_id", shared.TraceID(ctx))

	body, err := json.Marshal(callRequest{Method: method, Args: args})
	if err != nil {
		return "", fmt.Errorf("marshal call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(peerAddr)+"/api/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(peerAddr, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", classifyTransportError(peerAddr, method, err)
	}

	var out callResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("call %s on %s: decode response: %w", method, peerAddr, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", &Error{Method: method, Message: msg}
	}
	return out.Result, nil
}

// HealthCheck reports whether the peer answers its health endpoint. Used
// before dispatch to fail fast during an outage instead of burning the full
// call timeout per request.
func (c *Client) HealthCheck(ctx context.Context, peerAddr string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL(peerAddr)+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("peer health check failed", "peer", peerAddr, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// classifyTransportError maps a transport-level failure to the client's
// error taxonomy. Deadline expiry wins over connection errors because a
// dialed-but-hung peer also surfaces as a context deadline.
func classifyTransportError(peerAddr, method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("call %s on %s: %w", method, peerAddr, ErrTimedOut)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("call %s on %s: %w", method, peerAddr, ErrTimedOut)
	}
	return fmt.Errorf("call %s on %s: %w: %v", method, peerAddr, ErrConnectionFailed, err)
}

func peerURL(peerAddr string) string {
	if strings.HasPrefix(peerAddr, "http://") || strings.HasPrefix(peerAddr, "https://") {
		return strings.TrimSuffix(peerAddr, "/")
	}
	return "http://" + peerAddr
}
