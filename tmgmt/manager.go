// Package tmgmt implements wasmgrind's thread manager (spec §4.6): unique
// thread-IDs, registration, and join rendezvous via condition handles.
package tmgmt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAlreadySet is returned by CurrentThread.SetThreadID when called a
// second time on the same logical thread.
var ErrAlreadySet = errors.New("tmgmt: thread id already set for this thread")

// ErrNotBootstrapped is returned by CurrentThread.ThreadID when no id has
// been set and the one-time main-thread bootstrap allocation has already
// been consumed by another thread.
var ErrNotBootstrapped = errors.New("tmgmt: thread id not set; call SetThreadID first")

// ErrThreadNotFound is returned when a tid has no registered handle.
var ErrThreadNotFound = errors.New("tmgmt: no thread registered with that id")

// JoinHandle is the host-thread join handle installed by a thread_create
// spawn: a channel-backed, single-use future for the spawned goroutine's
// outcome.
type JoinHandle struct {
	done chan struct{}
	err  error
}

// NewJoinHandle returns a JoinHandle not yet finished.
func NewJoinHandle() *JoinHandle {
	return &JoinHandle{done: make(chan struct{})}
}

// Finish records the spawned goroutine's outcome and unblocks any waiter in
// Join. Finish must be called exactly once.
func (j *JoinHandle) Finish(err error) {
	j.err = err
	close(j.done)
}

// Join blocks until Finish has been called and returns the recorded
// outcome.
func (j *JoinHandle) Join() error {
	<-j.done
	return j.err
}

// Manager owns a thread-id counter and the tid → join-handle rendezvous map
// described in spec §4.6. The counter and the main-thread bootstrap belong
// to the Manager, not the process: ids are unique within one Manager, and
// two Managers allocate ids independently, each starting at 0.
type Manager struct {
	nextID           atomic.Uint32
	mainBootstrapped atomic.Bool

	mu      sync.Mutex
	handles map[uint32]*ConditionHandle[*JoinHandle]
}

// NewManager returns an empty Manager; thread-id allocation starts at 0.
func NewManager() *Manager {
	return &Manager{handles: make(map[uint32]*ConditionHandle[*JoinHandle])}
}

// nextAvailableThreadID atomically allocates a new, never-reused thread id.
func (m *Manager) nextAvailableThreadID() uint32 {
	return m.nextID.Add(1) - 1
}

// RegisterThread allocates a new tid, installs an empty condition handle for
// it, and returns the tid.
func (m *Manager) RegisterThread() uint32 {
	tid := m.nextAvailableThreadID()
	m.mu.Lock()
	m.handles[tid] = New[*JoinHandle]()
	m.mu.Unlock()
	return tid
}

// SetJoinHandle installs h as the join handle for tid, notifying any
// waiting thread_join call. Returns ErrThreadNotFound if tid was never
// registered.
func (m *Manager) SetJoinHandle(tid uint32, h *JoinHandle) error {
	m.mu.Lock()
	ch, ok := m.handles[tid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrThreadNotFound, tid)
	}
	if err := ch.SetAndNotify(h); err != nil {
		return err
	}
	return nil
}

// RetrieveThread removes and returns the condition handle registered for
// tid. The caller drops the manager's internal lock before waiting on the
// handle, so thread_join never blocks other registrations (spec §5:
// "retrieve_thread drops the guard before calling take_when_ready").
func (m *Manager) RetrieveThread(tid uint32) (*ConditionHandle[*JoinHandle], bool) {
	m.mu.Lock()
	ch, ok := m.handles[tid]
	if ok {
		delete(m.handles, tid)
	}
	m.mu.Unlock()
	return ch, ok
}

// CurrentThread models a host thread's thread-local identity. wasmgrind
// maps each Wasm thread to exactly one long-lived goroutine for its whole
// lifetime, so a CurrentThread is created once per such goroutine and
// threaded explicitly through the calls that need it — Go has no implicit
// thread-local storage, and threading the value explicitly is the idiomatic
// substitute.
type CurrentThread struct {
	mgr *Manager
	id  *uint32
}

// NewCurrentThread binds a fresh, unset thread-local identity to mgr.
func (m *Manager) NewCurrentThread() *CurrentThread {
	return &CurrentThread{mgr: m}
}

// ThreadID returns this thread's id. If unset, the very first such call
// on this Manager allocates a fresh id (the main-thread bootstrap allocation,
// consumed at most once); every subsequent unset call fails with
// ErrNotBootstrapped until SetThreadID is used.
func (ct *CurrentThread) ThreadID() (uint32, error) {
	if ct.id != nil {
		return *ct.id, nil
	}
	if ct.mgr.mainBootstrapped.CompareAndSwap(false, true) {
		id := ct.mgr.nextAvailableThreadID()
		ct.id = &id
		return id, nil
	}
	return 0, ErrNotBootstrapped
}

// SetThreadID assigns id as this thread's identity. Idempotent-fail: a
// second call on the same CurrentThread returns ErrAlreadySet.
func (ct *CurrentThread) SetThreadID(id uint32) error {
	if ct.id != nil {
		return ErrAlreadySet
	}
	ct.id = &id
	return nil
}
