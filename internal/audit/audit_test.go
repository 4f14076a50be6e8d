package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"llacademy.ng/internal/blob"
	"llacademy.ng/internal/retry"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestLog(t *testing.T, now time.Time, archive blob.Store, opts ...Option) (*Log, *MemoryShards) {
	t.Helper()
	shards := NewMemoryShards()
	l, err := New(shards, archive, append([]Option{WithClock(fixedClock(now))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, shards
}

func TestShardForIsPureFunctionOfEventTime(t *testing.T) {
	lagos := time.FixedZone("WAT", 3600)
	cases := map[time.Time]string{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC):             "2024-01",
		time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC):         "2024-01",
		time.Date(2024, 2, 1, 0, 30, 0, 0, lagos):               "2024-01",
		time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC):          "2024-12",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC):             "2025-01",
		time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC):           "2024-02",
		time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).Add(-1):    "2024-01",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(-1e9):   "2024-02",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(1):      "2024-03",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(-1 * 0): "2024-03",
	}
	for at, want := range cases {
		if got := ShardFor(at); got != want {
			t.Fatalf("ShardFor(%s)=%s, want %s", at, got, want)
		}
	}
}

func TestAppendUsesEventTimeNotWriteTime(t *testing.T) {
	ctx := context.Background()
	// written in early February
	l, shards := newTestLog(t, time.Date(2024, 2, 1, 0, 0, 5, 0, time.UTC), nil)

	late := time.Date(2024, 1, 31, 23, 59, 58, 0, time.UTC)
	early := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	if err := l.Append(ctx, "u1", "login", nil, late); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(ctx, "u1", "view", nil, early); err != nil {
		t.Fatalf("Append: %v", err)
	}
	names, _ := shards.Shards(ctx)
	if len(names) != 1 || names[0] != "2024-01" {
		t.Fatalf("expected both actions in 2024-01, got %v", names)
	}
}

func TestAppendMergesSameDayActions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, shards := newTestLog(t, now, nil)

	for i, name := range []string{"auth.login", "GET /api/users/me", "auth.logout"} {
		if err := l.Append(ctx, "u1", name, map[string]any{"i": i}, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Append(ctx, "u1", "auth.login", nil, now.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("Append next day: %v", err)
	}
	if err := l.Append(ctx, "u2", "auth.login", nil, now); err != nil {
		t.Fatalf("Append other user: %v", err)
	}

	entry, err := shards.Get(ctx, "2024-06", EntryKey{UserID: "u1", Date: "2024-06-10"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entry.Actions) != 3 || entry.Actions[0].Name != "auth.login" || entry.Actions[2].Name != "auth.logout" {
		t.Fatalf("unexpected actions: %+v", entry.Actions)
	}
	if entry.Version != 3 {
		t.Fatalf("expected version 3, got %d", entry.Version)
	}
	all, _ := shards.Export(ctx, "2024-06")
	if len(all) != 3 {
		t.Fatalf("expected 3 entries (two days for u1, one for u2), got %d", len(all))
	}
}

func TestConcurrentAppendsAreLossless(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, shards := newTestLog(t, now, nil, WithAppendPolicy(retry.Policy{
		Attempts: 500, Base: 50 * time.Microsecond, Max: time.Millisecond, Jitter: true,
	}))

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Append(ctx, "u1", fmt.Sprintf("action-%d", i), nil, now); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append: %v", err)
	}

	entry, err := shards.Get(ctx, "2024-06", EntryKey{UserID: "u1", Date: "2024-06-10"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entry.Actions) != n {
		t.Fatalf("expected %d actions, got %d", n, len(entry.Actions))
	}
	seen := map[string]bool{}
	for _, a := range entry.Actions {
		if seen[a.Name] {
			t.Fatalf("duplicate action %s", a.Name)
		}
		seen[a.Name] = true
	}
}

type alwaysConflicting struct {
	*MemoryShards
	updates int
}

func (a *alwaysConflicting) Update(context.Context, string, Entry, int64) error {
	a.updates++
	return ErrVersionConflict
}

func TestAppendSurfacesConflictAfterBoundedRetries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	store := &alwaysConflicting{MemoryShards: NewMemoryShards()}
	l, err := New(store, nil, WithClock(fixedClock(now)), WithAppendPolicy(retry.Policy{Attempts: 4, Base: time.Microsecond}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Append(ctx, "u1", "first", nil, now); err != nil {
		t.Fatalf("first append inserts: %v", err)
	}
	err = l.Append(ctx, "u1", "second", nil, now)
	if !errors.Is(err, ErrShardWriteConflict) {
		t.Fatalf("expected ErrShardWriteConflict, got %v", err)
	}
	if store.updates != 4 {
		t.Fatalf("expected 4 attempts, got %d", store.updates)
	}
}

func TestAppendRejectsClosedShard(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLog(t, now, nil, WithRetention(3))
	err := l.Append(context.Background(), "u1", "late", nil, time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrShardClosed) {
		t.Fatalf("expected ErrShardClosed, got %v", err)
	}
	if err := l.Append(context.Background(), "u1", "ok", nil, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("March is within retention: %v", err)
	}
}

func TestEntriesForUserSpansShards(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLog(t, now, nil)
	days := []time.Time{
		time.Date(2024, 4, 29, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 31, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 9, 8, 0, 0, 0, time.UTC),
	}
	for _, d := range days {
		if err := l.Append(ctx, "u1", "login", nil, d); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = l.Append(ctx, "u2", "login", nil, days[1])

	got, err := l.EntriesForUser(ctx, "u1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), now)
	if err != nil {
		t.Fatalf("EntriesForUser: %v", err)
	}
	if len(got) != 3 || got[0].Date != "2024-05-02" || got[2].Date != "2024-06-09" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	for _, e := range got {
		if e.UserID != "u1" {
			t.Fatalf("foreign entry returned: %+v", e)
		}
	}
	if got, _ := l.EntriesForUser(ctx, "u1", now, now.AddDate(0, 0, -1)); len(got) != 0 {
		t.Fatalf("inverted range should be empty, got %d", len(got))
	}
}

func TestEntriesForUserBoundsRange(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLog(t, now, nil)

	// July 2022 through June 2024 touches exactly 24 shards
	if _, err := l.EntriesForUser(ctx, "u1", time.Date(2022, 7, 31, 0, 0, 0, 0, time.UTC), now); err != nil {
		t.Fatalf("24 months should be accepted: %v", err)
	}
	if _, err := l.EntriesForUser(ctx, "u1", time.Date(2022, 6, 30, 0, 0, 0, 0, time.UTC), now); !errors.Is(err, ErrRangeTooLarge) {
		t.Fatalf("25 months: expected ErrRangeTooLarge, got %v", err)
	}
	if _, err := l.EntriesForUser(ctx, "u1", time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC), now); !errors.Is(err, ErrRangeTooLarge) {
		t.Fatalf("year one: expected ErrRangeTooLarge, got %v", err)
	}
}

func seedShard(t *testing.T, l *Log, shards *MemoryShards, shard string, users int) {
	t.Helper()
	at, err := ParseShard(shard)
	if err != nil {
		t.Fatalf("ParseShard: %v", err)
	}
	for i := 0; i < users; i++ {
		e := Entry{UserID: fmt.Sprintf("u%d", i), Date: DateOf(at), Actions: []Action{{Name: "login", OccurredAt: at}}}
		if err := shards.Insert(context.Background(), shard, e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
}

func TestCleanupShardArchivesVerifiesAndDrops(t *testing.T) {
	ctx := context.Background()
	archive, _ := blob.NewDir(t.TempDir())
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, shards := newTestLog(t, now, archive, WithRetention(3))
	seedShard(t, l, shards, "2024-02", 3)
	seedShard(t, l, shards, "2024-03", 2)

	if _, err := l.CleanupShard(ctx, "2024-03"); !errors.Is(err, ErrShardNotEligible) {
		t.Fatalf("expected ErrShardNotEligible, got %v", err)
	}
	if _, err := l.CleanupShard(ctx, "2024-13"); !errors.Is(err, ErrInvalidShard) {
		t.Fatalf("expected ErrInvalidShard, got %v", err)
	}

	res, err := l.CleanupShard(ctx, "2024-02")
	if err != nil {
		t.Fatalf("CleanupShard: %v", err)
	}
	if res.Entries != 3 || res.Archive != "audit/2024-02.json.gz" || res.Checksum == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	live, _ := shards.Shards(ctx)
	if len(live) != 1 || live[0] != "2024-03" {
		t.Fatalf("expected only 2024-03 to remain, got %v", live)
	}
	stored, err := archive.Get(ctx, res.Archive)
	if err != nil || blob.Checksum(stored) != res.Checksum {
		t.Fatalf("archive missing or changed: %v", err)
	}

	// a rerun after success must not clobber the archive
	again, err := l.CleanupShard(ctx, "2024-02")
	if err != nil || again.Entries != 0 {
		t.Fatalf("rerun: %+v %v", again, err)
	}
	after, _ := archive.Get(ctx, res.Archive)
	if blob.Checksum(after) != res.Checksum {
		t.Fatalf("rerun overwrote the archive")
	}
}

// corruptingArchive stores objects but returns damaged bytes on read.
type corruptingArchive struct {
	blob.Store
	corrupt bool
}

func (c *corruptingArchive) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := c.Store.Get(ctx, name)
	if err != nil || !c.corrupt {
		return data, err
	}
	data[len(data)/2] ^= 0xff
	return data, nil
}

func TestCleanupShardKeepsShardWhenVerificationFails(t *testing.T) {
	ctx := context.Background()
	dir, _ := blob.NewDir(t.TempDir())
	archive := &corruptingArchive{Store: dir, corrupt: true}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, shards := newTestLog(t, now, archive)
	seedShard(t, l, shards, "2024-01", 2)

	if _, err := l.CleanupShard(ctx, "2024-01"); !errors.Is(err, ErrArchiveVerification) {
		t.Fatalf("expected ErrArchiveVerification, got %v", err)
	}
	if live, _ := shards.Shards(ctx); len(live) != 1 {
		t.Fatalf("shard must survive a failed verification, got %v", live)
	}

	archive.corrupt = false
	res, err := l.CleanupShard(ctx, "2024-01")
	if err != nil || res.Entries != 2 {
		t.Fatalf("retry after fix: %+v %v", res, err)
	}
	if live, _ := shards.Shards(ctx); len(live) != 0 {
		t.Fatalf("shard should be dropped after a successful retry, got %v", live)
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	archive, _ := blob.NewDir(t.TempDir())
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	l, shards := newTestLog(t, now, archive, WithRetention(3))
	for _, s := range []string{"2023-11", "2024-01", "2024-02", "2024-03", "2024-06"} {
		seedShard(t, l, shards, s, 1)
	}
	eligible, _ := l.EligibleShards(ctx)
	if fmt.Sprint(eligible) != "[2023-11 2024-01 2024-02]" {
		t.Fatalf("unexpected eligible shards %v", eligible)
	}
	results, err := l.CleanupExpired(ctx)
	if err != nil || len(results) != 3 {
		t.Fatalf("CleanupExpired: %d results, %v", len(results), err)
	}
	live, _ := shards.Shards(ctx)
	if fmt.Sprint(live) != "[2024-03 2024-06]" {
		t.Fatalf("unexpected live shards %v", live)
	}
}

func TestCleanupHookSeesArchivedShard(t *testing.T) {
	archive, _ := blob.NewDir(t.TempDir())
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	var got []CleanupResult
	l, shards := newTestLog(t, now, archive, WithRetention(3), WithCleanupHook(func(res CleanupResult) {
		got = append(got, res)
	}))
	seedShard(t, l, shards, "2024-01", 2)

	if _, err := l.CleanupShard(context.Background(), "2024-03"); err == nil {
		t.Fatalf("expected ineligible shard to fail")
	}
	if _, err := l.CleanupShard(context.Background(), "2024-01"); err != nil {
		t.Fatalf("CleanupShard: %v", err)
	}
	if len(got) != 1 || got[0].Shard != "2024-01" || got[0].Entries != 2 {
		t.Fatalf("unexpected hook calls %+v", got)
	}
}
