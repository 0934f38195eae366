// Package pool implements the worker-pool manager: it receives
// worktree:created events (published by the worktree manager once a ready
// task's working copy exists), enforces a bounded
// concurrency cap, spawns one subprocess per admitted task through its
// routed adapter, and publishes exactly one of task:complete/task:failed
// when that subprocess exits.
package pool

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/adapter"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store"
)

type pendingTask struct {
	sessionID    string
	taskID       string
	worktreePath string
}

// Manager is the worker-pool manager. Its concurrency cap and grace
// period are mutable at runtime via config:reloaded.
type Manager struct {
	store    *store.Store
	bus      bus.Bus
	registry *adapter.Registry
	logger   *logger.Logger

	mu                 sync.Mutex
	maxConcurrentTasks int
	gracePeriodSeconds int
	taskTimeoutSeconds int
	active             map[string]*workerEntry // workerID -> entry
	pending            []pendingTask
	// inFlight counts dispatched tasks from slot reservation through the
	// end of their spawn sequence. The cap is enforced against this, not
	// against active, because a task holds its slot from the moment
	// tryDispatch pops it — before its subprocess has started and
	// registered — or the window between dispatch and registration would
	// let a burst of ready tasks overshoot the cap.
	inFlight int
}

// New constructs a Manager and subscribes it to worktree:created (the
// trigger for spawning — a worker must never be spawned before its
// worktree exists) and config:reloaded.
func New(st *store.Store, b bus.Bus, registry *adapter.Registry,
	maxConcurrentTasks, gracePeriodSeconds, taskTimeoutSeconds int, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		store:              st,
		bus:                b,
		registry:           registry,
		logger:             log.WithFields(zap.String("component", "worker-pool")),
		maxConcurrentTasks: maxConcurrentTasks,
		gracePeriodSeconds: gracePeriodSeconds,
		taskTimeoutSeconds: taskTimeoutSeconds,
		active:             make(map[string]*workerEntry),
	}
	b.Subscribe(events.WorktreeCreated, m.onWorktreeCreated)
	b.Subscribe(events.ConfigReloaded, m.onConfigReloaded)
	b.Subscribe(events.SessionCancel, m.onSessionCancel)
	return m
}

// onSessionCancel drops the cancelled session's queued-but-not-yet-started
// tasks and terminates any of its already-live workers. Cancel is the one
// session operation that preempts running work.
func (m *Manager) onSessionCancel(_ string, payload interface{}) error {
	p, ok := payload.(events.SessionSignalPayload)
	if !ok {
		return nil
	}

	m.mu.Lock()
	kept := m.pending[:0]
	for _, t := range m.pending {
		if t.sessionID != p.SessionID {
			kept = append(kept, t)
		}
	}
	m.pending = kept

	var toTerminate []*workerEntry
	for _, w := range m.active {
		if w.sessionID == p.SessionID {
			toTerminate = append(toTerminate, w)
		}
	}
	grace := m.gracePeriodSeconds
	m.mu.Unlock()

	return terminateAllConcurrently(toTerminate, grace, m.terminate)
}

func (m *Manager) onWorktreeCreated(_ string, payload interface{}) error {
	p, ok := payload.(events.WorktreeCreatedPayload)
	if !ok {
		return nil
	}
	m.mu.Lock()
	m.pending = append(m.pending, pendingTask{
		sessionID: p.SessionID, taskID: p.TaskID, worktreePath: p.WorktreePath,
	})
	m.mu.Unlock()
	m.tryDispatch()
	return nil
}

func (m *Manager) onConfigReloaded(_ string, payload interface{}) error {
	p, ok := payload.(events.ConfigReloadedPayload)
	if !ok {
		return nil
	}
	m.mu.Lock()
	m.maxConcurrentTasks = p.MaxConcurrentTasks
	m.mu.Unlock()
	m.tryDispatch()
	return nil
}

// tryDispatch admits as many pending tasks as the concurrency cap allows,
// spawning each in its own goroutine so the triggering event handler never
// blocks on subprocess execution.
func (m *Manager) tryDispatch() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 || m.inFlight >= m.maxConcurrentTasks {
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.inFlight++
		m.mu.Unlock()

		go m.spawn(next.sessionID, next.taskID, next.worktreePath)
	}
}

// releaseSlot returns a dispatched task's slot to the pool and admits the
// next pending task, if any.
func (m *Manager) releaseSlot() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
	m.tryDispatch()
}

// ActiveCount returns the number of workers currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PendingCount returns the number of admitted tasks waiting for a free
// worker slot.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ActiveWorkerIDs returns every currently live worker id, sorted.
func (m *Manager) ActiveWorkerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) registerWorker(w *workerEntry) {
	m.mu.Lock()
	m.active[w.workerID] = w
	m.mu.Unlock()
}

func (m *Manager) unregisterWorker(workerID string) {
	m.mu.Lock()
	delete(m.active, workerID)
	m.mu.Unlock()
}

func (m *Manager) lookupWorker(workerID string) (*workerEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.active[workerID]
	return w, ok
}
