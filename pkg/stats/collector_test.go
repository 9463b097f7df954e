package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// fakeSource fans emitted events out to subscribers.
type fakeSource struct {
	mu   sync.Mutex
	subs []chan core.Event
}

func (f *fakeSource) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeSource) Unsubscribe(ch <-chan core.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

func (f *fakeSource) Emit(e core.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- e
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func TestCollector_EventDrivenCounters(t *testing.T) {
	store := setupTestStatsDB(t)
	src := &fakeSource{}
	collector := NewCollector("spool", src, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go collector.Start(ctx)
	collector.WaitReady()

	now := time.Now()
	src.Emit(&core.MailAccepted{Mail: &core.Mail{Name: "m1"}, Timestamp: now})
	src.Emit(&core.MailAccepted{Mail: &core.Mail{Name: "m2"}, Timestamp: now})
	src.Emit(&core.MailCompleted{Name: "m1", Timestamp: now})
	src.Emit(&core.MailDeferred{Mail: &core.Mail{Name: "m2"}, Timestamp: now})
	src.Emit(&core.MailSplit{Name: "m2", Derived: []string{"m2-a"}, Timestamp: now})
	src.Emit(&core.MailDropped{Name: "m3", Timestamp: now})

	// Give the collector time to process events
	time.Sleep(200 * time.Millisecond)
	collector.Flush(ctx)

	ts := time.Now().Truncate(time.Minute)
	stats, err := store.History(ctx, "spool", ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Accepted)
	assert.Equal(t, int64(1), stats[0].Completed)
	assert.Equal(t, int64(1), stats[0].Deferred)
	assert.Equal(t, int64(1), stats[0].Split)
	assert.Equal(t, int64(1), stats[0].Dropped)
}

func TestCollector_FlushWithoutEventsWritesNothing(t *testing.T) {
	store := setupTestStatsDB(t)
	collector := NewCollector("spool", &fakeSource{}, store)

	collector.Flush(context.Background())

	stats, err := store.History(context.Background(), "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestCollector_SnapshotsDepthOnInterval(t *testing.T) {
	store := setupTestStatsDB(t)
	src := &fakeSource{}
	collector := NewCollector("spool", src, store,
		WithInterval(20*time.Millisecond),
		WithDepth(func(context.Context) (int64, int64, error) { return 7, 2, nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go collector.Start(ctx)
	collector.WaitReady()

	require.Eventually(t, func() bool {
		stats, err := store.History(context.Background(), "spool", time.Time{}, time.Time{})
		return err == nil && len(stats) > 0 && stats[len(stats)-1].Spooled == 7
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := store.History(context.Background(), "spool", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[len(stats)-1].Locked)
}

func TestCollector_UnsubscribesOnStop(t *testing.T) {
	store := setupTestStatsDB(t)
	src := &fakeSource{}
	collector := NewCollector("spool", src, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()
	collector.WaitReady()
	assert.Equal(t, 1, src.subscribers())

	src.Emit(&core.MailCompleted{Name: "m1", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 0, src.subscribers())
	stats, err := store.History(context.Background(), "spool", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, stats, 1, "pending counters are flushed on stop")
	assert.Equal(t, int64(1), stats[0].Completed)
}
