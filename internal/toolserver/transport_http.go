package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archonlabs/archon/internal/config"
)

// ErrNotConnected is returned for calls on a lost transport.
var ErrNotConnected = errors.New("tool server transport not connected")

// HTTPTransport reaches a remote tool server over plain HTTP: the tool list
// at GET /tools, dispatch as a POST of the arguments to /tools/<name>. The
// uniform Call interface maps the two methods onto those routes.
//
// The remote advertisement is a bare JSON array of {name, description,
// parameters}; Call translates it into the tools/list result shape so the
// supervisor sees one format regardless of transport.
type HTTPTransport struct {
	baseURL string
	cfg     config.ToolServerConfig
	logger  *slog.Logger
	client  *http.Client

	notifications chan *Notification
	connected     atomic.Bool
	done          chan struct{}
	closeOnce     sync.Once
}

// NewHTTPTransport builds a transport for cfg.RemoteURL.
func NewHTTPTransport(cfg config.ToolServerConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		baseURL:       strings.TrimRight(cfg.RemoteURL, "/"),
		cfg:           cfg,
		logger:        logger.With("component", "toolserver", "transport", "http"),
		client:        &http.Client{},
		notifications: make(chan *Notification, 100),
		done:          make(chan struct{}),
	}
}

func (t *HTTPTransport) Kind() string { return "http" }

// Connect probes the server's health endpoint.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.baseURL == "" {
		return fmt.Errorf("tool server remote_url is required for http transport")
	}
	if err := Probe(ctx, t.baseURL, t.cfg.HealthTimeout); err != nil {
		return err
	}
	t.connected.Store(true)
	t.logger.Info("remote tool server reachable", "url", t.baseURL)
	return nil
}

// Call maps a method to its HTTP route and performs one round trip.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	var httpReq *http.Request
	var err error
	switch method {
	case MethodListTools:
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/tools", nil)
	case MethodCallTool:
		call, ok := params.(callToolParams)
		if !ok {
			return nil, fmt.Errorf("tools/call expects callToolParams, got %T", params)
		}
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost,
			t.baseURL+"/tools/"+call.Name, bytes.NewReader(args))
		if httpReq != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, fmt.Errorf("http transport does not support method %q", method)
	}
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// A per-call deadline or cancellation is not a lost connection.
		if ctx.Err() == nil {
			t.markLost()
		}
		return nil, fmt.Errorf("tool server request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &RPCError{Code: CodeUnknownTool, Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			t.markLost()
		}
		return nil, fmt.Errorf("tool server HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if method == MethodListTools {
		return translateToolList(body)
	}
	return json.RawMessage(body), nil
}

// httpTool is one entry of the remote advertisement: the schema travels
// under "parameters" on the HTTP surface.
type httpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// translateToolList maps the remote tool advertisement onto the tools/list
// result shape.
func translateToolList(body []byte) (json.RawMessage, error) {
	var entries []httpTool
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse tool advertisement: %w", err)
	}
	result := listToolsResult{Tools: make([]Tool, len(entries))}
	for i, e := range entries {
		result.Tools[i] = Tool{
			Name:        e.Name,
			Description: e.Description,
			InputSchema: e.Parameters,
		}
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *HTTPTransport) Notifications() <-chan *Notification { return t.notifications }

func (t *HTTPTransport) Connected() bool { return t.connected.Load() }

func (t *HTTPTransport) Done() <-chan struct{} { return t.done }

// Close marks the transport unusable.
func (t *HTTPTransport) Close() error {
	t.markLost()
	return nil
}

func (t *HTTPTransport) markLost() {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
	})
}

// Probe checks the tool server's /health endpoint within timeout.
func Probe(ctx context.Context, baseURL string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("tool server health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool server health probe: HTTP %d", resp.StatusCode)
	}
	return nil
}
