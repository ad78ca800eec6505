// Package localapi supervises the sibling process that hosts the local
// scenario API.
package localapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultStartupDelay   = 3 * time.Second
	defaultStartupTimeout = 60 * time.Second
	defaultTerminateGrace = 10 * time.Second
	readyPollInterval     = 500 * time.Millisecond
)

// ErrNotStarted is returned when an operation needs a running process
var ErrNotStarted = errors.New("local api process not started")

// Config holds local API process configuration
type Config struct {
	Command        string
	Args           []string
	Dir            string
	Env            []string
	ReadyURL       string // polled until it answers; a fixed delay is used when empty
	StartupDelay   time.Duration
	StartupTimeout time.Duration
	TerminateGrace time.Duration
	Logger         *slog.Logger
}

// Process is the lifecycle handle of the local API process
type Process struct {
	config     Config
	logger     *slog.Logger
	httpClient *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// New creates a process handle. Nothing is started until Start is called.
func New(cfg *Config) *Process {
	config := *cfg
	if config.StartupDelay <= 0 {
		config.StartupDelay = defaultStartupDelay
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = defaultStartupTimeout
	}
	if config.TerminateGrace <= 0 {
		config.TerminateGrace = defaultTerminateGrace
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Process{
		config:     config,
		logger:     logger.With(slog.String("component", "local_api")),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// Start launches the process in its own process group and streams its
// output into the logger
func (p *Process) Start() error {
	if strings.TrimSpace(p.config.Command) == "" {
		return fmt.Errorf("local api command is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("local api process already started")
	}

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Dir = p.config.Dir
	if len(p.config.Env) > 0 {
		cmd.Env = p.config.Env
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("failed to start local api: %w", err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})

	go p.streamOutput(pr)
	go func() {
		err := cmd.Wait()
		pw.Close()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)

		p.logger.Info("Local API process exited",
			slog.Any("error", err),
		)
	}()

	p.logger.Info("Local API process started",
		slog.String("command", p.config.Command),
		slog.Int("pid", cmd.Process.Pid),
	)

	return nil
}

// AwaitReady blocks until the local API answers on its ready URL, or for
// the fixed startup delay when no URL is configured
func (p *Process) AwaitReady(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}

	if p.config.ReadyURL == "" {
		select {
		case <-time.After(p.config.StartupDelay):
			return nil
		case <-done:
			return fmt.Errorf("local api exited during startup: %w", p.ExitErr())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(readyPollInterval), ctx)
	err := backoff.Retry(func() error {
		select {
		case <-done:
			return backoff.Permanent(fmt.Errorf("local api exited during startup: %w", p.ExitErr()))
		default:
		}
		return p.probe(ctx)
	}, b)
	if err != nil {
		return fmt.Errorf("local api not ready: %w", err)
	}

	p.logger.Info("Local API is ready",
		slog.String("url", p.config.ReadyURL),
	)
	return nil
}

func (p *Process) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.ReadyURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ready check returned status %d", resp.StatusCode)
	}
	return nil
}

// Terminate asks the process group to stop, and kills it when it has not
// exited within the grace period
func (p *Process) Terminate() error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	p.logger.Info("Terminating local API process",
		slog.Int("pid", cmd.Process.Pid),
		slog.Duration("grace", p.config.TerminateGrace),
	)

	if err := signalTerminate(cmd); err != nil {
		p.logger.Warn("Failed to signal local API process",
			slog.Any("error", err),
		)
	}

	select {
	case <-done:
		return nil
	case <-time.After(p.config.TerminateGrace):
	}

	p.logger.Warn("Local API did not exit in time, killing")
	killProcess(cmd)
	<-done
	return nil
}

// Done is closed once the process has exited
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// ExitErr returns the process exit error once it has exited
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) streamOutput(r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("Local API output stream closed",
			slog.Any("error", err),
		)
		_, _ = io.Copy(io.Discard, r)
	}
}
