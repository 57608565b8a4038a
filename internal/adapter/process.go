package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"gpumux/pkg/types"
)

// ProcessAdapter spawns and supervises a local engine server per model.
type ProcessAdapter struct {
	opts       Options
	mu         sync.Mutex
	procs      map[string]*procInfo // key: model id
	httpClient *http.Client
}

type procInfo struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	logs    *logRing
	waitErr chan error
}

// NewProcessAdapter constructs a subprocess-backed adapter.
// The HTTP client carries no global timeout; every call goes through a
// context with a deadline.
func NewProcessAdapter(opts Options) *ProcessAdapter {
	if strings.TrimSpace(opts.Host) == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.StopGraceS <= 0 {
		opts.StopGraceS = 5
	}
	return &ProcessAdapter{
		opts:       opts,
		procs:      make(map[string]*procInfo),
		httpClient: &http.Client{Timeout: 0},
	}
}

func (a *ProcessAdapter) ValidateConfig(cfg types.ModelConfig) error {
	switch cfg.Framework {
	case types.FrameworkLlamaCpp:
		if strings.TrimSpace(a.opts.LlamaBin) == "" {
			return errors.New("llama_cpp backend: server binary not configured")
		}
	case types.FrameworkVLLM:
		if strings.TrimSpace(a.opts.VLLMBin) == "" {
			return errors.New("vllm backend: server binary not configured")
		}
	default:
		return fmt.Errorf("process adapter does not serve framework %q", cfg.Framework)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fmt.Errorf("model path: %w", err)
	}
	return nil
}

// argv builds the launch command line for a framework.
func (a *ProcessAdapter) argv(cfg types.ModelConfig, host string, port int) (string, []string) {
	var bin string
	var args []string
	switch cfg.Framework {
	case types.FrameworkVLLM:
		bin = a.opts.VLLMBin
		args = []string{"serve", cfg.ModelPath, "--host", host, "--port", fmt.Sprint(port)}
	default: // llama_cpp
		bin = a.opts.LlamaBin
		args = []string{"-m", cfg.ModelPath, "--host", host, "--port", fmt.Sprint(port)}
	}
	if extra := strings.TrimSpace(cfg.Parameters["args"]); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	return bin, args
}

// Start spawns the engine server bound to the assigned devices and waits for
// readiness. Device assignment is passed through CUDA_VISIBLE_DEVICES so the
// engine only sees its slice of the pool.
func (a *ProcessAdapter) Start(ctx context.Context, cfg types.ModelConfig, devices []string) (*Handle, error) {
	a.mu.Lock()
	if p := a.procs[cfg.ID]; p != nil {
		base := p.baseURL
		a.mu.Unlock()
		// Already supervised: reuse if healthy, otherwise tear down and respawn.
		if a.probe(ctx, base) {
			return &Handle{ModelID: cfg.ID, PID: p.pid, BaseURL: base}, nil
		}
		_ = a.Stop(ctx, &Handle{ModelID: cfg.ID})
		a.mu.Lock()
	}
	a.mu.Unlock()

	host := a.opts.Host
	var port int
	var err error
	if a.opts.PortStart > 0 && a.opts.PortEnd >= a.opts.PortStart {
		port, err = pickPortInRange(host, a.opts.PortStart, a.opts.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	bin, args := a.argv(cfg, host, port)
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strings.Join(devices, ","))
	ring := newLogRing(64 * 1024)
	cmd.Stdout = ring
	cmd.Stderr = ring
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine server: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	p := &procInfo{cmd: cmd, baseURL: baseURL, pid: cmd.Process.Pid, logs: ring, waitErr: waitErr}
	a.mu.Lock()
	a.procs[cfg.ID] = p
	a.mu.Unlock()

	// Readiness loop: poll /health, bail out early if the process exits or
	// the caller's deadline passes.
	for {
		select {
		case <-ctx.Done():
			a.drop(cfg.ID)
			a.terminate(p)
			return nil, fmt.Errorf("engine server not ready in time: %s", baseURL)
		case werr := <-waitErr:
			a.drop(cfg.ID)
			tail := ring.Tail(4096)
			if werr != nil {
				return nil, fmt.Errorf("engine server exited early: %v; output tail: %s", werr, tail)
			}
			return nil, fmt.Errorf("engine server exited before ready: %s", baseURL)
		case <-time.After(100 * time.Millisecond):
		}
		if a.probe(ctx, baseURL) {
			return &Handle{ModelID: cfg.ID, PID: p.pid, BaseURL: baseURL}, nil
		}
	}
}

// drop forgets a supervised process without signaling it.
func (a *ProcessAdapter) drop(modelID string) {
	a.mu.Lock()
	delete(a.procs, modelID)
	a.mu.Unlock()
}

// probe checks /health with a short bound derived from ctx.
func (a *ProcessAdapter) probe(ctx context.Context, baseURL string) bool {
	pctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Stop terminates the supervised process. Unknown handles are a no-op.
func (a *ProcessAdapter) Stop(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	a.mu.Lock()
	p := a.procs[h.ModelID]
	delete(a.procs, h.ModelID)
	a.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	a.terminate(p)
	return nil
}

// terminate sends SIGTERM, waits the grace period, then kills.
func (a *ProcessAdapter) terminate(p *procInfo) {
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.waitErr:
	case <-time.After(time.Duration(a.opts.StopGraceS) * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.waitErr
	}
}

func (a *ProcessAdapter) HealthCheck(ctx context.Context, h *Handle) bool {
	if h == nil || h.BaseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Logs returns a snapshot of the engine's recent stdout/stderr.
func (a *ProcessAdapter) Logs(_ context.Context, h *Handle) (io.ReadCloser, error) {
	if h == nil {
		return nil, errors.New("nil handle")
	}
	a.mu.Lock()
	p := a.procs[h.ModelID]
	a.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("no process for model %s", h.ModelID)
	}
	return io.NopCloser(bytes.NewReader(p.logs.Bytes())), nil
}

// StopAll terminates every supervised process. Best effort, used at shutdown.
func (a *ProcessAdapter) StopAll(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.procs))
	for id := range a.procs {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		_ = a.Stop(ctx, &Handle{ModelID: id})
	}
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	lastColon := strings.LastIndex(addr, ":")
	if lastColon < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[lastColon+1:])
}

// logRing keeps the last capacity bytes written to it.
type logRing struct {
	mu  sync.Mutex
	cap int
	buf []byte
}

func newLogRing(capacity int) *logRing {
	return &logRing{cap: capacity}
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	return len(p), nil
}

func (r *logRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *logRing) Tail(n int) string {
	b := r.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
