package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/archonlabs/archon/internal/config"
)

// StdioTransport runs the tool server as a local subprocess and exchanges
// line-delimited JSON-RPC over its stdin/stdout. Stderr is drained into the
// log. A single reader goroutine matches responses to pending calls by id;
// the pending mutex is held only for table mutations, never across I/O.
type StdioTransport struct {
	cfg    config.ToolServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	notifications chan *Notification
	connected     atomic.Bool
	done          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewStdioTransport builds a transport for cfg.Command.
func NewStdioTransport(cfg config.ToolServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		cfg:           cfg,
		logger:        logger.With("component", "toolserver", "transport", "stdio"),
		pending:       make(map[int64]chan *Response),
		notifications: make(chan *Notification, 100),
		done:          make(chan struct{}),
	}
}

func (t *StdioTransport) Kind() string { return "stdio" }

// Connect spawns the subprocess and starts the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.cfg.Command == "" {
		return fmt.Errorf("tool server command is required for stdio transport")
	}

	t.process = exec.Command(t.cfg.Command, t.cfg.Args...)
	t.process.Env = os.Environ()
	if t.cfg.WorkDir != "" {
		t.process.Dir = t.cfg.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}
	t.connected.Store(true)
	t.logger.Info("tool server process started",
		"command", t.cfg.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	go func() {
		t.process.Wait()
		t.markLost()
	}()
	return nil
}

// Call sends one request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	t.writeMu.Lock()
	_, err := t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.markLost()
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrNotConnected
	}
}

func (t *StdioTransport) Notifications() <-chan *Notification { return t.notifications }

func (t *StdioTransport) Connected() bool { return t.connected.Load() }

func (t *StdioTransport) Done() <-chan struct{} { return t.done }

// Close kills the subprocess and releases pending calls.
func (t *StdioTransport) Close() error {
	t.markLost()
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

// markLost flips the transport to disconnected exactly once.
func (t *StdioTransport) markLost() {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
	})
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.markLost()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processLine(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout read failed", "error", err)
	}
}

func (t *StdioTransport) processLine(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		t.pendingMu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- &resp
		} else {
			t.logger.Warn("response for unknown call id", "id", *resp.ID)
		}
		return
	}

	var notif Notification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		select {
		case t.notifications <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
		return
	}

	t.logger.Warn("unparseable line from tool server", "line", string(line))
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("tool server stderr", "message", line)
		}
	}
}
