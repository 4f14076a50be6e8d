package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

const (
	shardLayout = "2006-01"
	dateLayout  = "2006-01-02"
)

var (
	// ErrVersionConflict is returned by a ShardStore when an insert or
	// compare-and-swap update lost a race.
	ErrVersionConflict = errors.New("audit: version conflict")
	ErrEntryNotFound   = errors.New("audit: entry not found")
	// ErrShardWriteConflict means Append exhausted its retries. The caller
	// may retry; the action was not recorded.
	ErrShardWriteConflict = errors.New("audit: shard write conflict")
	ErrShardNotEligible   = errors.New("audit: shard not eligible for cleanup")
	ErrShardClosed        = errors.New("audit: shard is past retention")
	// ErrArchiveVerification means the uploaded archive did not read back
	// identically; the shard is kept.
	ErrArchiveVerification = errors.New("audit: archive verification failed")
	ErrInvalidShard        = errors.New("audit: invalid shard key")
	ErrRangeTooLarge       = errors.New("audit: date range too large")
)

var shardPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ShardFor returns the monthly shard key of t in UTC. It depends only on t.
func ShardFor(t time.Time) string {
	return t.UTC().Format(shardLayout)
}

// DateOf returns the calendar date of t in UTC.
func DateOf(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// ParseShard validates a shard key and returns the first instant of its month.
func ParseShard(shard string) (time.Time, error) {
	if !shardPattern.MatchString(shard) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidShard, shard)
	}
	t, err := time.Parse(shardLayout, shard)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidShard, shard)
	}
	return t.UTC(), nil
}

// shardsBetween lists shard keys covering [from, to] inclusive.
// monthsSpanned counts the calendar months touched by [from, to].
func monthsSpanned(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return 0
	}
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month()) + 1
}

func shardsBetween(from, to time.Time) []string {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil
	}
	cur := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out []string
	for !cur.After(to) {
		out = append(out, cur.Format(shardLayout))
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// Action is one recorded activity.
type Action struct {
	Name       string         `json:"action"`
	OccurredAt time.Time      `json:"occurred_at"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// EntryKey identifies an entry inside a shard.
type EntryKey struct {
	UserID string
	Date   string
}

// Entry collects a user's actions for one calendar day.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Date      string    `json:"activity_date"`
	Actions   []Action  `json:"actions"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e Entry) Key() EntryKey { return EntryKey{UserID: e.UserID, Date: e.Date} }

// ShardStore persists entries partitioned by month. Implementations must make
// Insert and Update atomic per entry.
type ShardStore interface {
	Get(ctx context.Context, shard string, key EntryKey) (Entry, error)
	// Insert creates the entry with Version 1, or fails with ErrVersionConflict.
	Insert(ctx context.Context, shard string, e Entry) error
	// Update stores e if the stored version equals expected, else
	// ErrVersionConflict.
	Update(ctx context.Context, shard string, e Entry, expected int64) error
	// ListForUser returns entries with fromDate <= date <= toDate, by date.
	ListForUser(ctx context.Context, shard, userID, fromDate, toDate string) ([]Entry, error)
	Shards(ctx context.Context) ([]string, error)
	Export(ctx context.Context, shard string) ([]Entry, error)
	// Drop deletes the shard. Dropping a missing shard is not an error.
	Drop(ctx context.Context, shard string) error
}

// MemoryShards is an in-process ShardStore.
type MemoryShards struct {
	mu     sync.Mutex
	shards map[string]map[EntryKey]Entry
}

var _ ShardStore = (*MemoryShards)(nil)

func NewMemoryShards() *MemoryShards {
	return &MemoryShards{shards: make(map[string]map[EntryKey]Entry)}
}

func cloneEntry(e Entry) Entry {
	e.Actions = append([]Action(nil), e.Actions...)
	return e
}

func (m *MemoryShards) Get(_ context.Context, shard string, key EntryKey) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.shards[shard][key]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (m *MemoryShards) Insert(_ context.Context, shard string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shard]
	if !ok {
		s = make(map[EntryKey]Entry)
		m.shards[shard] = s
	}
	if _, exists := s[e.Key()]; exists {
		return ErrVersionConflict
	}
	e.Version = 1
	s[e.Key()] = cloneEntry(e)
	return nil
}

func (m *MemoryShards) Update(_ context.Context, shard string, e Entry, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.shards[shard][e.Key()]
	if !ok || cur.Version != expected {
		return ErrVersionConflict
	}
	e.Version = expected + 1
	m.shards[shard][e.Key()] = cloneEntry(e)
	return nil
}

func (m *MemoryShards) ListForUser(_ context.Context, shard, userID, fromDate, toDate string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for key, e := range m.shards[shard] {
		if key.UserID == userID && key.Date >= fromDate && key.Date <= toDate {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *MemoryShards) Shards(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.shards))
	for shard := range m.shards {
		out = append(out, shard)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryShards) Export(_ context.Context, shard string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.shards[shard]))
	for _, e := range m.shards[shard] {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *MemoryShards) Drop(_ context.Context, shard string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, shard)
	return nil
}
