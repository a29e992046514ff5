package batch

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepo keeps runs in process. It backs the local command and tests.
type MemoryRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*Run
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{runs: map[uuid.UUID]*Run{}}
}

func (m *MemoryRepo) Create(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryRepo) List(_ context.Context, limit, offset int) ([]*Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	total := len(all)
	if offset >= total {
		return []*Run{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
