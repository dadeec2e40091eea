package ptyproc

import (
	"fmt"
	"sync"
)

// FakeSpawner is a fully scriptable Spawner for tests. Each Spawn call
// produces a FakeHandle the test drives via EmitData/EmitExit.
type FakeSpawner struct {
	mu       sync.Mutex
	nextPid  int
	SpawnErr error
	Spawned  []*FakeHandle
}

// NewFakeSpawner returns a FakeSpawner allocating pids from 1000.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{nextPid: 1000}
}

func (s *FakeSpawner) Spawn(command string, args []string, opts SpawnOpts) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpawnErr != nil {
		return nil, s.SpawnErr
	}
	s.nextPid++
	h := &FakeHandle{
		Command: command,
		Args:    append([]string(nil), args...),
		Opts:    opts,
		pid:     s.nextPid,
	}
	s.Spawned = append(s.Spawned, h)
	return h, nil
}

// SpawnCount returns how many processes have been spawned.
func (s *FakeSpawner) SpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Spawned)
}

// Last returns the most recently spawned handle, or nil.
func (s *FakeSpawner) Last() *FakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Spawned) == 0 {
		return nil
	}
	return s.Spawned[len(s.Spawned)-1]
}

// FakeHandle records writes/resizes/kills and lets tests emit output and
// exit events synchronously.
type FakeHandle struct {
	Command string
	Args    []string
	Opts    SpawnOpts

	mu      sync.Mutex
	pid     int
	onData  func([]byte)
	onExit  func(ExitStatus)
	exited  bool
	Writes  [][]byte
	Resizes [][2]uint16
	Kills   int
}

func (h *FakeHandle) Pid() int { return h.pid }

func (h *FakeHandle) OnData(cb func([]byte)) {
	h.mu.Lock()
	h.onData = cb
	h.mu.Unlock()
}

func (h *FakeHandle) OnExit(cb func(ExitStatus)) {
	h.mu.Lock()
	h.onExit = cb
	h.mu.Unlock()
}

func (h *FakeHandle) Write(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return fmt.Errorf("process %d has exited", h.pid)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.Writes = append(h.Writes, cp)
	return nil
}

func (h *FakeHandle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return fmt.Errorf("process %d has exited", h.pid)
	}
	h.Resizes = append(h.Resizes, [2]uint16{cols, rows})
	return nil
}

func (h *FakeHandle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.Kills++
}

// EmitData delivers an output chunk to the registered data callback.
func (h *FakeHandle) EmitData(data []byte) {
	h.mu.Lock()
	cb := h.onData
	h.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// EmitExit marks the process exited and fires the exit callback once.
func (h *FakeHandle) EmitExit(status ExitStatus) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	cb := h.onExit
	h.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// Exited reports whether EmitExit has been called.
func (h *FakeHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Input returns all written input concatenated.
func (h *FakeHandle) Input() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []byte
	for _, w := range h.Writes {
		out = append(out, w...)
	}
	return out
}
