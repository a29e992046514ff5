package sleepimpr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StoredRow is a row held by MemorySink.
type StoredRow struct {
	Values    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemorySink keeps records in memory with the same merge semantics as the
// Postgres sink. It backs dry runs of the local command.
type MemorySink struct {
	mu     sync.Mutex
	now    func() time.Time
	tables map[string]*memTable
}

type memTable struct {
	keyed map[string]*StoredRow
	order []*StoredRow
}

func NewMemorySink() *MemorySink {
	return &MemorySink{now: time.Now, tables: map[string]*memTable{}}
}

func (m *MemorySink) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{keyed: map[string]*StoredRow{}}
		m.tables[name] = t
	}
	return t
}

func rowValues(rec Record) (map[string]any, error) {
	cols, vals := rec.Columns(), rec.Values()
	if len(cols) != len(vals) {
		return nil, fmt.Errorf("record %s: %d columns but %d values", rec.NaturalKey(), len(cols), len(vals))
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = vals[i]
	}
	return out, nil
}

func compositeKey(values map[string]any, conflictKey []string) (string, error) {
	parts := make([]string, len(conflictKey))
	for i, k := range conflictKey {
		v, ok := values[k]
		if !ok {
			return "", fmt.Errorf("conflict key column %q not among record columns", k)
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x00"), nil
}

func (m *MemorySink) Upsert(_ context.Context, table string, rec Record, conflictKey ...string) error {
	if len(conflictKey) == 0 {
		return fmt.Errorf("upsert into %s: conflict key is required", table)
	}
	values, err := rowValues(rec)
	if err != nil {
		return err
	}
	key, err := compositeKey(values, conflictKey)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	t := m.table(table)
	if existing, ok := t.keyed[key]; ok {
		for c, v := range values {
			existing.Values[c] = v
		}
		existing.UpdatedAt = now
		return nil
	}
	row := &StoredRow{Values: values, CreatedAt: now, UpdatedAt: now}
	t.keyed[key] = row
	t.order = append(t.order, row)
	return nil
}

func (m *MemorySink) Insert(_ context.Context, table string, rec Record) error {
	values, err := rowValues(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	t := m.table(table)
	t.order = append(t.order, &StoredRow{Values: values, CreatedAt: now, UpdatedAt: now})
	return nil
}

func (m *MemorySink) InsertOnce(_ context.Context, table string, rec Record, conflictKey ...string) (bool, error) {
	if len(conflictKey) == 0 {
		return false, fmt.Errorf("insert once into %s: conflict key is required", table)
	}
	values, err := rowValues(rec)
	if err != nil {
		return false, err
	}
	key, err := compositeKey(values, conflictKey)
	if err != nil {
		return false, fmt.Errorf("insert once into %s: %w", table, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	if _, ok := t.keyed[key]; ok {
		return false, nil
	}
	now := m.now()
	row := &StoredRow{Values: values, CreatedAt: now, UpdatedAt: now}
	t.keyed[key] = row
	t.order = append(t.order, row)
	return true, nil
}

// Rows returns copies of the rows in table in insertion order.
func (m *MemorySink) Rows(table string) []StoredRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([]StoredRow, len(t.order))
	for i, r := range t.order {
		vals := make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			vals[k] = v
		}
		out[i] = StoredRow{Values: vals, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
	}
	return out
}

// Counts returns the number of rows per table.
func (m *MemorySink) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.tables))
	for name, t := range m.tables {
		out[name] = len(t.order)
	}
	return out
}
