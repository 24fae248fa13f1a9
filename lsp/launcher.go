package lsp

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/log"
)

var _ ports.LanguageServerLauncher = (*Launcher)(nil)

// Launcher starts language server processes and attaches a Client to each.
type Launcher struct {
	opts   []Option
	config clientConfig
}

// NewLauncher returns a launcher whose clients are built with opts.
func NewLauncher(opts ...Option) *Launcher {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Launcher{opts: opts, config: cfg}
}

// Launch implements ports.LanguageServerLauncher. The process is killed
// when ctx is cancelled.
func (l *Launcher) Launch(ctx context.Context, spec ports.LanguageServerSpec) (ports.LanguageServer, error) {
	cmd := exec.CommandContext(ctx, spec.ExecPath, spec.Args...)
	cmd.Dir = spec.Workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Wait copies stdout into pr until the process exits, so the reader
	// sees every byte before EOF.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	stderr := log.NewGuestWriter(l.config.logger, spec.LanguageID+"-lsp")
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start language server %s: %w", spec.ExecPath, err)
	}
	l.config.logger.InfoContext(ctx, "language server started",
		"language_id", spec.LanguageID, "exec_path", spec.ExecPath, "pid", cmd.Process.Pid)

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
		grace:  l.config.shutdownTimeout,
	}
	go func() {
		err := cmd.Wait()
		stderr.Flush()
		l.config.logger.Debug("language server exited", "language_id", spec.LanguageID, "error", err)
		_ = pw.Close()
		close(proc.exited)
	}()

	client := NewClient(spec, pr, stdin, proc, l.opts...)
	client.Start(ctx)
	if err := client.Initialize(ctx); err != nil {
		_ = proc.Close()
		return nil, err
	}
	return client, nil
}

// process releases a language server: close its stdin, wait for it to
// exit, kill it after the grace period.
type process struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	exited chan struct{}
	grace  time.Duration
}

func (p *process) Close() error {
	_ = p.stdin.Close()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}
	if err := p.cmd.Process.Kill(); err != nil && !stdErrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill language server: %w", err)
	}
	<-p.exited
	return nil
}
