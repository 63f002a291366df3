// Package launcher starts detached server processes.
package launcher

import (
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// Launcher wraps starting "os/exec".Cmd's that outlive the caller, logging each launch and making it easier to test.
type Launcher interface {
	// Start logs and starts cmd in a new session without waiting for it to exit. It returns the pid of the new process.
	Start(cmd *exec.Cmd) (pid int, err error)
}

type launcherImp struct {
	Logger *zap.SugaredLogger
	// StartFunc may be nil to use launcherImp in tests.
	StartFunc func(cmd *exec.Cmd) error
}

// Option defines options to customize launcherImp's behavior.
type Option func(*launcherImp)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *launcherImp) {
		l.Logger = logger
	}
}

// WithStartFunc provides customized start behavior.
func WithStartFunc(startFunc func(cmd *exec.Cmd) error) Option {
	return func(l *launcherImp) {
		l.StartFunc = startFunc
	}
}

// New creates a Launcher that starts processes with cmd.Start unless overridden.
func New(opts ...Option) Launcher {
	l := &launcherImp{
		Logger:    zap.NewNop().Sugar(),
		StartFunc: func(cmd *exec.Cmd) error { return cmd.Start() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start detaches cmd from the caller's session so that the process survives the caller and its terminal.
func (l *launcherImp) Start(cmd *exec.Cmd) (int, error) {
	l.Logger.Infow("Launch",
		"Path", cmd.Path,
		"Dir", cmd.Dir,
		"Args", cmd.Args[1:], // First arg is always the command itself
	)

	if l.StartFunc == nil {
		l.Logger.Warn("missing StartFunc - skipped launch")
		return 0, nil
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	if err := l.StartFunc(cmd); err != nil {
		return 0, err
	}
	if cmd.Process == nil {
		return 0, nil
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		l.Logger.Warnw("releasing launched process", zap.Int("pid", pid), zap.Error(err))
	}
	return pid, nil
}
