package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/config"
	gwerrors "github.com/wudi/appgate/internal/errors"
	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/model"
)

// Files exchanged with the sandbox through the invocation directory.
const (
	RequestFile   = "request.json"
	VariablesFile = "variables.json"
	ResponseFile  = "response.json"
	LogsFile      = "logs.ndjson"
)

const (
	killTimeout     = 30 * time.Second
	maxResponseSize = 6 << 20
)

// FunctionRequest is the normalized request handed to a function.
type FunctionRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Params  map[string]string   `json:"params,omitempty"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
}

// Invocation is one function call.
type Invocation struct {
	AppID     string
	RouteID   string
	RequestID string
	Runtime   model.RuntimeType
	Source    []byte
	Request   FunctionRequest
	Variables map[string]string
	Timeout   time.Duration
	Limits    model.RuntimeSettings
}

// Sandboxes write response.json in this shape. Body may be a string or
// any JSON value.
type sandboxResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// Executor runs invocations through the queue.
type Executor struct {
	queue    *Queue
	sandbox  Sandbox
	runtimes *Runtimes
	cfg      config.SandboxConfig
	observe  func(runtime string, d time.Duration)
}

// NewExecutor creates an executor. Directories are created under
// cfg.WorkDir; the container host sees them under cfg.HostBindPath.
func NewExecutor(queue *Queue, sandbox Sandbox, runtimes *Runtimes, cfg config.SandboxConfig) *Executor {
	if cfg.HostBindPath == "" {
		cfg.HostBindPath = cfg.WorkDir
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = model.DefaultExecutionTimeout
	}
	return &Executor{queue: queue, sandbox: sandbox, runtimes: runtimes, cfg: cfg}
}

// OnSandboxDone registers a callback receiving each sandbox's run time.
func (e *Executor) OnSandboxDone(fn func(runtime string, d time.Duration)) {
	e.observe = fn
}

// Execute runs one invocation and returns its result. Errors thrown by the
// function are part of the result; an error return means the gateway
// could not run it. A timeout yields a synthetic 500 "Timeout" result
// without waiting for the sandbox to stop.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (*model.FunctionResult, error) {
	rt, ok := e.runtimes.Get(inv.Runtime)
	if !ok {
		return nil, gwerrors.ErrUnsupportedRuntime.WithDetails(string(inv.Runtime))
	}

	id := uuid.NewString()
	dir := filepath.Join(e.cfg.WorkDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create invocation directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logging.Warn("failed to remove invocation directory", zap.String("dir", dir), zap.Error(err))
		}
	}()

	if err := e.prepare(dir, rt, inv); err != nil {
		return nil, err
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	spec := e.sandboxSpec(id, dir, rt, inv)

	start := time.Now()
	future := Submit(ctx, e.queue, timeout, func(jobCtx context.Context) (*model.FunctionResult, error) {
		runStart := time.Now()
		exitCode, err := e.sandbox.Run(jobCtx, spec)
		if e.observe != nil {
			e.observe(string(rt.Name), time.Since(runStart))
		}
		if err != nil {
			return nil, fmt.Errorf("sandbox run: %w", err)
		}
		return e.collect(dir, exitCode)
	})

	result, err := future.Wait(ctx)
	switch {
	case errors.Is(err, ErrJobTimeout):
		logging.Warn("function timed out",
			zap.String("app_id", inv.AppID),
			zap.String("route_id", inv.RouteID),
			zap.String("request_id", inv.RequestID),
			zap.Duration("timeout", timeout),
		)
		go e.kill(id)
		return &model.FunctionResult{
			StatusCode: http.StatusInternalServerError,
			Body:       "Timeout",
			Duration:   time.Since(start),
		}, nil
	case err != nil:
		if !errors.Is(err, ErrQueueClosed) {
			go e.kill(id)
		}
		return nil, err
	}

	result.Duration = time.Since(start)
	return result, nil
}

// kill runs detached from the request so a timed-out sandbox is always
// reclaimed.
func (e *Executor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := e.sandbox.Kill(ctx, id); err != nil {
		logging.Warn("failed to kill sandbox", zap.String("sandbox_id", id), zap.Error(err))
	}
}

func (e *Executor) prepare(dir string, rt Runtime, inv Invocation) error {
	req, err := json.Marshal(inv.Request)
	if err != nil {
		return fmt.Errorf("encode function request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RequestFile), req, 0o644); err != nil {
		return fmt.Errorf("write function request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, rt.SourceFile), inv.Source, 0o644); err != nil {
		return fmt.Errorf("write function source: %w", err)
	}
	if len(inv.Variables) > 0 {
		vars, err := json.Marshal(inv.Variables)
		if err != nil {
			return fmt.Errorf("encode variables: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, VariablesFile), vars, 0o644); err != nil {
			return fmt.Errorf("write variables: %w", err)
		}
	}
	return nil
}

func (e *Executor) sandboxSpec(id, dir string, rt Runtime, inv Invocation) SandboxSpec {
	spec := SandboxSpec{
		ID:        id,
		Runtime:   string(rt.Name),
		Image:     rt.Image,
		Command:   rt.Command,
		HostDir:   filepath.Join(e.cfg.HostBindPath, filepath.Base(dir)),
		Env:       envList(inv.Variables),
		MemoryMB:  e.cfg.MemoryMB,
		CPUs:      e.cfg.CPUs,
		PidsLimit: e.cfg.PidsLimit,
		Network:   e.cfg.Network,
	}
	// Tenants may lower the limits but never raise them.
	if m := inv.Limits.MemoryMB; m > 0 && (spec.MemoryMB == 0 || m < spec.MemoryMB) {
		spec.MemoryMB = m
	}
	if c := inv.Limits.CPUs; c > 0 && (spec.CPUs == 0 || c < spec.CPUs) {
		spec.CPUs = c
	}
	return spec
}

func envList(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func (e *Executor) collect(dir string, exitCode int) (*model.FunctionResult, error) {
	logs := readLogs(filepath.Join(dir, LogsFile), e.cfg.MaxLogEntries, e.cfg.MaxLogLength)

	data, err := readLimited(filepath.Join(dir, ResponseFile), maxResponseSize)
	if errors.Is(err, os.ErrNotExist) {
		// Thrown errors and crashes leave no response behind.
		return &model.FunctionResult{
			StatusCode: http.StatusInternalServerError,
			Body:       fmt.Sprintf("Function exited with code %d", exitCode),
			Logs:       logs,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read function response: %w", err)
	}

	var resp sandboxResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return &model.FunctionResult{
			StatusCode: http.StatusInternalServerError,
			Body:       "Function returned an invalid response",
			Logs:       logs,
		}, nil
	}

	result := &model.FunctionResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Logs:       logs,
	}
	if result.StatusCode == 0 {
		result.StatusCode = http.StatusOK
	}
	if result.Headers == nil {
		result.Headers = map[string]string{}
	}

	body := bytes.TrimSpace(resp.Body)
	switch {
	case len(body) == 0 || bytes.Equal(body, []byte("null")):
	case body[0] == '"':
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("decode function body: %w", err)
		}
		result.Body = s
	default:
		result.Body = string(body)
		if !hasHeader(result.Headers, "Content-Type") {
			result.Headers["Content-Type"] = "application/json"
		}
	}
	return result, nil
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", filepath.Base(path), info.Size(), limit)
	}
	return os.ReadFile(path)
}

// readLogs reads at most maxEntries lines, truncating each message to
// maxLength bytes. Lines that are not JSON are kept as plain messages.
func readLogs(path string, maxEntries, maxLength int) []model.FunctionLogEntry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []model.FunctionLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if maxEntries > 0 && len(entries) >= maxEntries {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry model.FunctionLogEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Message == "" {
			entry = model.FunctionLogEntry{Level: "info", Message: string(line)}
		}
		if maxLength > 0 && len(entry.Message) > maxLength {
			entry.Message = truncate(entry.Message, maxLength)
		}
		entries = append(entries, entry)
	}
	return entries
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
