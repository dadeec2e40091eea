//go:build !windows

package ptyproc

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/agentdock/agentdock/internal/logging"
)

var ptyLog = logging.ForComponent(logging.CompPty)

// SpawnOpts configures a pty-backed process.
type SpawnOpts struct {
	Dir  string
	Env  []string
	Cols uint16
	Rows uint16
}

// ExitStatus describes how a process ended. Code is the native exit code,
// 128+signal when the process died by signal with no exit code, or -1 when
// neither is known.
type ExitStatus struct {
	Code   int
	Signal int
}

// Handle is a live pty-backed process. OnData and OnExit follow a single
// active callback model: re-registering replaces the previous callback, and
// registering nil detaches it. OnExit fires exactly once. Kill is idempotent
// and only sends the termination signal; it does not wait for exit.
type Handle interface {
	Pid() int
	OnData(cb func(data []byte))
	OnExit(cb func(status ExitStatus))
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Kill()
}

// Spawner creates pty-backed processes.
type Spawner interface {
	Spawn(command string, args []string, opts SpawnOpts) (Handle, error)
}

// NewSpawner returns the OS-backed Spawner.
func NewSpawner() Spawner {
	return &osSpawner{}
}

type osSpawner struct{}

func (s *osSpawner) Spawn(command string, args []string, opts SpawnOpts) (Handle, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	// Own process group so Kill can take down the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	size := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if size.Cols == 0 {
		size.Cols = 80
	}
	if size.Rows == 0 {
		size.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, err
	}

	h := &osHandle{
		cmd:  cmd,
		ptmx: ptmx,
		pid:  cmd.Process.Pid,
	}
	go h.readLoop()
	return h, nil
}

type osHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	mu       sync.Mutex
	onData   func([]byte)
	onExit   func(ExitStatus)
	exited   bool
	killed   bool
	exitOnce sync.Once
}

func (h *osHandle) Pid() int { return h.pid }

func (h *osHandle) OnData(cb func([]byte)) {
	h.mu.Lock()
	h.onData = cb
	h.mu.Unlock()
}

func (h *osHandle) OnExit(cb func(ExitStatus)) {
	h.mu.Lock()
	h.onExit = cb
	h.mu.Unlock()
}

func (h *osHandle) Write(data []byte) error {
	_, err := h.ptmx.Write(data)
	return err
}

func (h *osHandle) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return errors.New("invalid dimensions")
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *osHandle) Kill() {
	h.mu.Lock()
	if h.exited || h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	if pgid, err := syscall.Getpgid(h.pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// readLoop pumps pty output to the registered callback, one chunk per read,
// order preserved. On read error the process is reaped and the exit callback
// fires.
func (h *osHandle) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.mu.Lock()
			cb := h.onData
			h.mu.Unlock()
			if cb != nil {
				cb(chunk)
			}
			logging.Aggregate(logging.CompPty, "pty_output", slog.Int("pid", h.pid))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ptyLog.Debug("pty_read_end", slog.Int("pid", h.pid), slog.String("error", err.Error()))
			}
			break
		}
	}

	waitErr := h.cmd.Wait()
	_ = h.ptmx.Close()

	status := exitStatusFrom(h.cmd, waitErr)
	h.mu.Lock()
	h.exited = true
	cb := h.onExit
	h.mu.Unlock()

	h.exitOnce.Do(func() {
		if cb != nil {
			cb(status)
		}
	})
}

func exitStatusFrom(cmd *exec.Cmd, waitErr error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			sig := int(ws.Signal())
			return ExitStatus{Code: 128 + sig, Signal: sig}
		}
		return ExitStatus{Code: ws.ExitStatus()}
	}
	if code := state.ExitCode(); code >= 0 {
		return ExitStatus{Code: code}
	}
	_ = waitErr
	return ExitStatus{Code: -1}
}
