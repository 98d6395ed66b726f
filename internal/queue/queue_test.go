package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/listingiq/listingiq/internal/config"
	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/llm"
	"github.com/listingiq/listingiq/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func testConfig() *config.Config {
	return &config.Config{
		Workers:           2,
		QueueSize:         10,
		SectionMode:       "concurrent",
		EstimatedDuration: 2 * time.Minute,
	}
}

// modelAnswer satisfies every section's expected shape and carries a marker
// so tests can tell model data from fallback data.
func modelAnswer() map[string]any {
	out := map[string]any{"source": "model"}
	for _, s := range prompt.Sections() {
		for _, f := range s.Fields {
			out[f] = "from model"
		}
	}
	return out
}

var okGen = llm.GeneratorFunc(func(context.Context, string) llm.Result {
	return llm.Success(modelAnswer())
})

func startQueue(t *testing.T, cfg *config.Config, gen llm.Generator, opts ...Option) (*Queue, *job.MemoryStore) {
	t.Helper()
	store := job.NewMemoryStore()
	q := New(cfg, store, gen, opts...)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q, store
}

func waitForStatus(t *testing.T, q *Queue, id, owner string, want job.Status) *job.Job {
	t.Helper()
	var last *job.Job
	require.Eventually(t, func() bool {
		j, err := q.Status(id, owner)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

type recorder struct {
	mu    sync.Mutex
	snaps []*job.Job
}

func (r *recorder) observe(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, j)
	return nil
}

func (r *recorder) all() []*job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*job.Job(nil), r.snaps...)
}

func TestSubmit_ImmediatelyPending(t *testing.T) {
	store := job.NewMemoryStore()
	q := New(testConfig(), store, okGen)

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)

	j, err := q.Status(id, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Empty(t, j.Results)
	assert.Equal(t, "123 Main St", j.Input.Title)
}

func TestSubmit_DoesNotWaitForModel(t *testing.T) {
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, _ string) llm.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return llm.Success(modelAnswer())
	})
	q, _ := startQueue(t, testConfig(), gen)
	defer close(release)

	start := time.Now()
	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	j, err := q.Status(id, "u1")
	require.NoError(t, err)
	assert.Contains(t, []job.Status{job.StatusPending, job.StatusInProgress}, j.Status)
}

func TestSubmit_InvalidInput(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)

	_, err := q.Submit("u1", job.PropertyInput{Address: "   "})
	require.ErrorIs(t, err, job.ErrInvalidInput)

	_, err = q.Submit("", job.PropertyInput{Address: "123 Main St"})
	require.ErrorIs(t, err, job.ErrInvalidInput)

	assert.Equal(t, 0, q.Statistics().TotalJobs)
}

func TestSubmit_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	q := New(cfg, job.NewMemoryStore(), okGen)

	_, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)
	_, err = q.Submit("u1", job.PropertyInput{Address: "2 B St"}, func(context.Context, *job.Job) error {
		return nil
	})
	require.ErrorIs(t, err, ErrQueueFull)

	stats := q.Statistics()
	assert.Equal(t, 1, stats.TotalJobs, "rejected submission must not leave a record")
	assert.Equal(t, 1, stats.QueueSize)
}

func TestSubmit_UniqueIDs(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	seen := make(map[string]bool)
	for range 10 {
		id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestProcess_CompletesWithEverySection(t *testing.T) {
	q, _ := startQueue(t, testConfig(), okGen)
	rec := &recorder{}

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"}, rec.observe)
	require.NoError(t, err)

	j := waitForStatus(t, q, id, "u1", job.StatusCompleted)
	assert.Equal(t, 100, j.Progress)
	assert.Equal(t, "Complete", j.CurrentSection)
	assert.Empty(t, j.ErrorMessage)
	require.Len(t, j.Results, len(prompt.Keys()))
	for _, key := range prompt.Keys() {
		assert.Contains(t, j.Results, key)
	}

	require.Eventually(t, func() bool {
		snaps := rec.all()
		return len(snaps) > 0 && snaps[len(snaps)-1].Status == job.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	// in_progress + one per section + completed
	snaps := rec.all()
	assert.Len(t, snaps, len(prompt.Keys())+2)
	assertMonotonic(t, snaps)
}

func assertMonotonic(t *testing.T, snaps []*job.Job) {
	t.Helper()
	for i := 1; i < len(snaps); i++ {
		prev, cur := snaps[i-1], snaps[i]
		assert.GreaterOrEqual(t, cur.Progress, prev.Progress, "progress went backwards at snapshot %d", i)
		assert.Greater(t, cur.Revision, prev.Revision, "revision not increasing at snapshot %d", i)
		assert.GreaterOrEqual(t, len(cur.Results), len(prev.Results), "results shrank at snapshot %d", i)
		assert.False(t, prev.Status.IsTerminal(), "snapshot delivered after terminal status")
	}
}

func TestProcess_RisksFallback(t *testing.T) {
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		if strings.Contains(p, "Identify potential risks") {
			return llm.Failure(errors.New("model returned nothing"))
		}
		return llm.Success(modelAnswer())
	})
	q, _ := startQueue(t, testConfig(), gen)

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)
	j := waitForStatus(t, q, id, "u1", job.StatusCompleted)

	risks, _ := prompt.Lookup("risks")
	assert.Equal(t, risks.Fallback(), j.Results["risks"])
	for _, key := range prompt.Keys() {
		if key == "risks" {
			continue
		}
		data, ok := j.Results[key].(map[string]any)
		require.True(t, ok, "%s result has type %T", key, j.Results[key])
		assert.Equal(t, "model", data["source"], "%s should hold model data", key)
	}
}

func TestProcess_AllSectionsFailStillCompletes(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, string) llm.Result {
		return llm.Failure(errors.New("provider down"))
	})
	q, _ := startQueue(t, testConfig(), gen)

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)
	j := waitForStatus(t, q, id, "u1", job.StatusCompleted)

	for _, s := range prompt.Sections() {
		assert.Equal(t, s.Fallback(), j.Results[s.Key])
	}
}

func TestProcess_SequentialOrder(t *testing.T) {
	cfg := testConfig()
	cfg.SectionMode = "sequential"
	q, _ := startQueue(t, cfg, okGen)
	rec := &recorder{}

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"}, rec.observe)
	require.NoError(t, err)
	waitForStatus(t, q, id, "u1", job.StatusCompleted)
	require.Eventually(t, func() bool {
		snaps := rec.all()
		return len(snaps) > 0 && snaps[len(snaps)-1].Status.IsTerminal()
	}, time.Second, 5*time.Millisecond)

	snaps := rec.all()
	assertMonotonic(t, snaps)

	// Snapshots published before each section: empty results grow one key at a time,
	// in the fixed list order, with progress floor(i/total*100).
	var labels []string
	total := len(prompt.Keys())
	for _, s := range snaps {
		if s.Status != job.StatusInProgress || s.CurrentSection == "" {
			continue
		}
		if len(labels) == 0 || labels[len(labels)-1] != s.CurrentSection {
			labels = append(labels, s.CurrentSection)
		}
	}
	var want []string
	for _, s := range prompt.Sections() {
		want = append(want, s.Label)
	}
	assert.Equal(t, want, labels)

	sections := prompt.Sections()
	starts := 0
	for _, s := range snaps {
		if s.Status != job.StatusInProgress || len(s.Results) >= total {
			continue
		}
		if idx := len(s.Results); s.CurrentSection == sections[idx].Label {
			assert.Equal(t, idx*100/total, s.Progress, "progress before section %d", idx)
			starts++
		}
	}
	assert.Equal(t, total, starts)
}

func TestCancel_TerminalIsNoop(t *testing.T) {
	q, _ := startQueue(t, testConfig(), okGen)

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)
	before := waitForStatus(t, q, id, "u1", job.StatusCompleted)

	assert.False(t, q.Cancel(id, "u1"))
	_, err = q.CancelJob(id, "u1")
	require.ErrorIs(t, err, job.ErrTerminal)

	after, err := q.Status(id, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, before.Results, after.Results)
}

func TestCancel_Twice(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)

	assert.True(t, q.Cancel(id, "u1"))
	first, _ := q.Status(id, "u1")
	assert.False(t, q.Cancel(id, "u1"))
	second, _ := q.Status(id, "u1")
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, job.StatusCancelled, second.Status)
}

func TestCancel_PendingJobIsDiscarded(t *testing.T) {
	var calls atomic.Int32
	gen := llm.GeneratorFunc(func(context.Context, string) llm.Result {
		calls.Add(1)
		return llm.Success(modelAnswer())
	})
	store := job.NewMemoryStore()
	q := New(testConfig(), store, gen)

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)
	require.True(t, q.Cancel(id, "u1"))

	q.Start(context.Background())
	require.Eventually(t, func() bool { return q.Statistics().QueueSize == 0 }, time.Second, 5*time.Millisecond)
	q.Stop()

	j, err := q.Status(id, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Zero(t, calls.Load())
}

func TestCancel_MidRun(t *testing.T) {
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		if !strings.HasPrefix(p, "Property: ") {
			<-release
		}
		return llm.Success(modelAnswer())
	})
	store := job.NewMemoryStore()
	q := New(testConfig(), store, gen)
	q.Start(context.Background())
	rec := &recorder{}

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"}, rec.observe)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := q.Status(id, "u1")
		return err == nil && len(j.Results) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, q.Cancel(id, "u1"))
	cancelled, err := q.Status(id, "u1")
	require.NoError(t, err)

	close(release)
	q.Stop()

	final, err := q.Status(id, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, final.Status)
	assert.Equal(t, cancelled.Results, final.Results, "sections appended after cancellation")
	assert.Equal(t, cancelled.UpdatedAt, final.UpdatedAt)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, job.StatusCancelled, snaps[len(snaps)-1].Status)
	assertMonotonic(t, snaps)
}

func TestStatus_ForeignOwnerLooksUnknown(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)

	_, errForeign := q.Status(id, "u2")
	_, errUnknown := q.Status("does-not-exist", "u2")
	require.ErrorIs(t, errForeign, job.ErrNotFound)
	require.ErrorIs(t, errUnknown, job.ErrNotFound)
	assert.Equal(t, errUnknown.Error(), errForeign.Error())

	assert.False(t, q.Cancel(id, "u2"))
	j, _ := q.Status(id, "u1")
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestStatistics_Idempotent(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	for i := range 3 {
		_, err := q.Submit(fmt.Sprintf("u%d", i), job.PropertyInput{Address: "123 Main St"})
		require.NoError(t, err)
	}

	first := q.Statistics()
	second := q.Statistics()
	assert.Equal(t, first, second)
	assert.Equal(t, 3, first.TotalJobs)
	assert.Equal(t, 3, first.StatusCounts[job.StatusPending])
	assert.Equal(t, 3, first.QueueSize)
	assert.False(t, first.IsRunning)
	assert.Zero(t, first.ActiveWorkers)
}

func TestTwoOwnersIndependent(t *testing.T) {
	q, _ := startQueue(t, testConfig(), okGen)

	ids := make([]string, 2)
	var wg sync.WaitGroup
	for i, owner := range []string{"u1", "u2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := q.Submit(owner, job.PropertyInput{Address: fmt.Sprintf("%d Elm St", i+1)})
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()
	require.NotEqual(t, ids[0], ids[1])

	j1 := waitForStatus(t, q, ids[0], "u1", job.StatusCompleted)
	j2 := waitForStatus(t, q, ids[1], "u2", job.StatusCompleted)
	assert.Equal(t, "1 Elm St", j1.Input.Address)
	assert.Equal(t, "2 Elm St", j2.Input.Address)
	assert.Len(t, j1.Results, len(prompt.Keys()))
	assert.Len(t, j2.Results, len(prompt.Keys()))

	_, err := q.Status(ids[0], "u2")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestObserver_FailuresAreIsolated(t *testing.T) {
	q, _ := startQueue(t, testConfig(), okGen)
	rec := &recorder{}

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"},
		func(context.Context, *job.Job) error { panic("observer bug") },
		func(context.Context, *job.Job) error { return errors.New("socket closed") },
		rec.observe,
	)
	require.NoError(t, err)
	waitForStatus(t, q, id, "u1", job.StatusCompleted)

	require.Eventually(t, func() bool {
		snaps := rec.all()
		return len(snaps) > 0 && snaps[len(snaps)-1].Status == job.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterObserver_Unregister(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)

	rec := &recorder{}
	unregister := q.RegisterObserver(id, rec.observe)
	require.True(t, q.Cancel(id, "u1"))
	require.Len(t, rec.all(), 1)

	unregister()
	unregister()
	assert.Zero(t, q.dispatcher.Count(id))
}

func TestPlannerError_FailsJob(t *testing.T) {
	planner := prompt.PlannerFunc(func(job.PropertyInput) ([]prompt.Task, error) {
		return nil, errors.New("template missing")
	})
	q, _ := startQueue(t, testConfig(), okGen, WithPlanner(planner))

	id, err := q.Submit("u1", job.PropertyInput{Address: "123 Main St"})
	require.NoError(t, err)
	j := waitForStatus(t, q, id, "u1", job.StatusFailed)
	assert.Contains(t, j.ErrorMessage, "template missing")
	assert.False(t, q.Cancel(id, "u1"))
}

func TestPanicInPlanner_FailsJobKeepsWorker(t *testing.T) {
	var calls atomic.Int32
	planner := prompt.PlannerFunc(func(in job.PropertyInput) ([]prompt.Task, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return prompt.Build(in), nil
	})
	cfg := testConfig()
	cfg.Workers = 1
	q, _ := startQueue(t, cfg, okGen, WithPlanner(planner))

	first, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)
	j := waitForStatus(t, q, first, "u1", job.StatusFailed)
	assert.Contains(t, j.ErrorMessage, "nil map")

	second, err := q.Submit("u1", job.PropertyInput{Address: "2 B St"})
	require.NoError(t, err)
	waitForStatus(t, q, second, "u1", job.StatusCompleted)
}

func TestCleanup(t *testing.T) {
	q, _ := startQueue(t, testConfig(), okGen)

	done, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)
	waitForStatus(t, q, done, "u1", job.StatusCompleted)
	q.RegisterObserver(done, func(context.Context, *job.Job) error { return nil })

	assert.Zero(t, q.Cleanup(time.Hour), "recent jobs must survive")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, q.Cleanup(time.Millisecond))

	_, err = q.Status(done, "u1")
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.Zero(t, q.dispatcher.Count(done))
}

func TestCleanup_KeepsActiveJobs(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	id, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, q.Cleanup(0))
	_, err = q.Status(id, "u1")
	assert.NoError(t, err)
}

func TestStartCleanup_StopsWithQueue(t *testing.T) {
	q, _ := startQueue(t, testConfig(), okGen)
	id, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)
	waitForStatus(t, q, id, "u1", job.StatusCompleted)

	q.StartCleanup(context.Background(), time.Nanosecond, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := q.Status(id, "u1")
		return errors.Is(err, job.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
}

type countingRecorder struct {
	sections, fallbacks, jobs atomic.Int32
}

func (r *countingRecorder) SectionDone(_ string, fallback bool, _ time.Duration) {
	r.sections.Add(1)
	if fallback {
		r.fallbacks.Add(1)
	}
}

func (r *countingRecorder) JobFinished(job.Status, time.Duration) { r.jobs.Add(1) }

func TestRecorder(t *testing.T) {
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		if strings.Contains(p, "Identify potential risks") {
			return llm.Failure(errors.New("nope"))
		}
		return llm.Success(modelAnswer())
	})
	rec := &countingRecorder{}
	q, _ := startQueue(t, testConfig(), gen, WithRecorder(rec))

	id, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)
	waitForStatus(t, q, id, "u1", job.StatusCompleted)

	require.Eventually(t, func() bool { return rec.jobs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(len(prompt.Keys())), rec.sections.Load())
	assert.Equal(t, int32(1), rec.fallbacks.Load())
}

func TestNotifyDelay_PacesUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyDelay = 10 * time.Millisecond
	q, _ := startQueue(t, cfg, okGen)

	start := time.Now()
	id, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)
	waitForStatus(t, q, id, "u1", job.StatusCompleted)

	// Seven gaps between eight section notifications.
	assert.GreaterOrEqual(t, time.Since(start), 7*cfg.NotifyDelay)
}

func TestStop_Idempotent(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	q.Start(context.Background())
	assert.True(t, q.Statistics().IsRunning)
	q.Stop()
	q.Stop()
	assert.False(t, q.Statistics().IsRunning)
}

func TestStartStop_Restart(t *testing.T) {
	q := New(testConfig(), job.NewMemoryStore(), okGen)
	q.Start(context.Background())
	q.Stop()

	q.Start(context.Background())
	q.StartCleanup(context.Background(), time.Nanosecond, 5*time.Millisecond)
	id, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)

	// The sweep only stops with the second run, so the finished job gets removed.
	require.Eventually(t, func() bool {
		_, err := q.Status(id, "u1")
		return errors.Is(err, job.ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, q.Stop)
	assert.False(t, q.Statistics().IsRunning)
}

func TestRegisterObserver_SweptJob(t *testing.T) {
	q, _ := startQueue(t, testConfig(), okGen)
	id, err := q.Submit("u1", job.PropertyInput{Address: "1 A St"})
	require.NoError(t, err)
	waitForStatus(t, q, id, "u1", job.StatusCompleted)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, q.Cleanup(time.Millisecond))

	unregister := q.RegisterObserver(id, func(context.Context, *job.Job) error { return nil })
	unregister()
	ch, cancel := q.Subscribe(id)
	cancel()
	assert.NotNil(t, ch)

	unknown := q.RegisterObserver("no-such-job", func(context.Context, *job.Job) error { return nil })
	unknown()

	q.dispatcher.mu.RLock()
	defer q.dispatcher.mu.RUnlock()
	assert.Empty(t, q.dispatcher.entries)
}
