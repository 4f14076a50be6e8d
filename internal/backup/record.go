package backup

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"
)

// Status of a backup or restore run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind distinguishes backup runs from restore runs in the record table.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

var ErrRecordNotFound = errors.New("backup: record not found")

// Record describes one run. For restores SourceID names the backup that was
// restored.
type Record struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Location   string    `json:"location,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	Size       int64     `json:"size"`
	Encrypted  bool      `json:"encrypted"`
	SourceID   string    `json:"source_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RecordStore keeps run records. Save inserts or replaces by ID.
type RecordStore interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns the newest records first.
	List(ctx context.Context, limit int) ([]Record, error)
}

// Snapshotter produces and applies a full logical copy of the relational data.
type Snapshotter interface {
	Snapshot(ctx context.Context, w io.Writer) error
	Restore(ctx context.Context, r io.Reader) error
}

type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ RecordStore = (*MemoryRecords)(nil)

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]Record)}
}

func (m *MemoryRecords) Save(_ context.Context, r Record) error {
	if r.ID == "" {
		return errors.New("backup: record id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return nil
}

func (m *MemoryRecords) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return r, nil
}

func (m *MemoryRecords) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
