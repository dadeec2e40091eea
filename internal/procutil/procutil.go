//go:build !windows

package procutil

import (
	"errors"
	"sync"
	"syscall"
)

// ProcessUtils is the liveness oracle used during startup reconciliation.
// Kept separate from the pty spawner so orphan recovery can be faked entirely
// in tests.
type ProcessUtils interface {
	// IsAlive reports whether a process with the given pid exists.
	IsAlive(pid int) bool
	// Kill sends SIGKILL to pid. Returns false if the signal could not be
	// delivered (already gone counts as success).
	Kill(pid int) bool
}

// OS returns the real syscall-backed implementation.
func OS() ProcessUtils {
	return osProcs{}
}

type osProcs struct{}

func (osProcs) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}

func (osProcs) Kill(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.SIGKILL)
	return err == nil || errors.Is(err, syscall.ESRCH)
}

// Fake is an in-memory ProcessUtils for tests.
type Fake struct {
	mu     sync.Mutex
	alive  map[int]bool
	Killed []int
}

// NewFake returns a Fake with the given pids alive.
func NewFake(alivePids ...int) *Fake {
	f := &Fake{alive: make(map[int]bool)}
	for _, pid := range alivePids {
		f.alive[pid] = true
	}
	return f
}

func (f *Fake) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *Fake) Kill(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Killed = append(f.Killed, pid)
	delete(f.alive, pid)
	return true
}

// SetAlive marks a pid alive or dead.
func (f *Fake) SetAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alive {
		f.alive[pid] = true
	} else {
		delete(f.alive, pid)
	}
}
