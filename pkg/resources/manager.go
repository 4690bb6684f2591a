package resources

import (
	"fmt"
	"sync"
)

// NotEnoughResources is raised by Capture when a requested amount of a
// resource exceeds what is currently available. No partial grant is
// held when this is returned.
type NotEnoughResources struct {
	Key string
}

func (e *NotEnoughResources) Error() string {
	return fmt.Sprintf("not enough available resource: %s", e.Key)
}

// Manager is a mutex-guarded bank of named integer counters.
type Manager struct {
	mu        sync.Mutex
	available map[string]int64
}

// NewManager returns a Manager seeded with the given initial capacities.
func NewManager(initial map[string]int64) *Manager {
	available := make(map[string]int64, len(initial))
	for k, v := range initial {
		available[k] = v
	}
	return &Manager{available: available}
}

// Available returns a snapshot of current counter values, for metrics
// and the runner loop's "any job slots left?" check.
func (m *Manager) Available(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[key]
}

// Loan is a granted, not-yet-released reservation returned by Capture.
type Loan struct {
	m      *Manager
	amount map[string]int64
	once   sync.Once
}

// Capture atomically checks that every requested amount is available
// and, if so, decrements all of them and returns a Loan. If any single
// key is short, no resources are held and a *NotEnoughResources naming
// a short key is returned; when several keys are short, map iteration
// order decides which one is named.
func (m *Manager) Capture(amount map[string]int64) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range amount {
		if m.available[k] < v {
			return nil, &NotEnoughResources{Key: k}
		}
	}
	for k, v := range amount {
		m.available[k] -= v
	}
	return &Loan{m: m, amount: amount}, nil
}

// Release returns the loan's resources to the manager. It is safe to
// call more than once; only the first call has an effect.
func (l *Loan) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		for k, v := range l.amount {
			l.m.available[k] += v
		}
	})
}
