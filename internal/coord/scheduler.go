package coord

import (
	"sort"
	"sync"

	"proxyhunter/internal/shared/logger"
)

// Scheduler is the process-wide deferred-task registry. Tasks registered
// under the same key replace each other; RunAll executes each surviving key
// exactly once, in ascending key order, and is the mechanism behind lock
// release, status-file reset and snapshot writes on every exit path.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]func()
	ran   bool
}

var defaultScheduler = NewScheduler()

// NewScheduler returns an empty registry. Production code uses the package
// level Register/RunAll pair; tests construct their own instances.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[string]func())}
}

// Register stores task under key, overwriting any earlier registration.
// Registering after RunAll is a no-op.
func (s *Scheduler) Register(key string, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ran {
		return
	}
	s.tasks[key] = task
}

// Unregister removes a pending task. Used when the resource a task would
// clean up was already handed off.
func (s *Scheduler) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
}

// RunAll executes every registered task once, in lexicographic key order.
// Subsequent calls do nothing. A panicking task does not prevent the
// remaining tasks from running.
func (s *Scheduler) RunAll() {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return
	}
	s.ran = true
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tasks := make([]func(), 0, len(keys))
	for _, k := range keys {
		tasks = append(tasks, s.tasks[k])
	}
	s.mu.Unlock()

	for i, task := range tasks {
		runOne(keys[i], task)
	}
}

func runOne(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("task", key).Interface("panic", r).Msg("Exit task panicked.")
		}
	}()
	task()
}

// Register stores task in the process-wide registry.
func Register(key string, task func()) {
	defaultScheduler.Register(key, task)
}

// Unregister removes a task from the process-wide registry.
func Unregister(key string) {
	defaultScheduler.Unregister(key)
}

// RunAll drains the process-wide registry. Wired to normal completion,
// signal handling and panic recovery in every entry point.
func RunAll() {
	defaultScheduler.RunAll()
}
