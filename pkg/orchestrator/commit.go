package orchestrator

import (
	"context"
	"sync"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
)

// jobLocks holds one mutex per job id for as long as someone uses it.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	sync.Mutex
	refs int
}

func (l *jobLocks) lock(jobID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*jobLock)
	}
	m, ok := l.locks[jobID]
	if !ok {
		m = &jobLock{}
		l.locks[jobID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, jobID)
		}
		l.mu.Unlock()
	}
}

// update persists mutate and publishes the committed snapshot before the
// job's lock is released, so observers receive snapshots in commit order.
// announce decides whether a committed snapshot is published; nil publishes
// every commit.
func (m *Manager) update(ctx context.Context, jobID string, mutate func(*jobregistry.JobRecord) error, announce func(*jobregistry.JobRecord) bool) (*jobregistry.JobRecord, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	rec, err := m.store.Update(ctx, jobID, mutate)
	if err != nil {
		return rec, err
	}
	if announce == nil || announce(rec) {
		m.publish(rec)
	}
	return rec, nil
}

// publishLocked publishes a snapshot that was not produced by update, in
// order with the job's committed snapshots.
func (m *Manager) publishLocked(rec *jobregistry.JobRecord) {
	if rec == nil {
		return
	}
	unlock := m.locks.lock(rec.JobID)
	defer unlock()
	m.publish(rec)
}
