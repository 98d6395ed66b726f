package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/llm"
	"github.com/listingiq/listingiq/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func testTasks() []prompt.Task {
	return prompt.Build(job.PropertyInput{Address: "123 Main St"})
}

// validFor answers every section with its own fallback shape plus a marker.
func validFor(tasks []prompt.Task, p string) map[string]any {
	for _, t := range tasks {
		if t.Prompt == p {
			data := t.Section.Fallback()
			data["source"] = "model"
			return data
		}
	}
	return nil
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", Concurrent, false},
		{"concurrent", Concurrent, false},
		{"sequential", Sequential, false},
		{"parallel", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRun_Sequential_Order(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		return llm.Success(validFor(tasks, p))
	})

	var started, done []string
	err := Run(context.Background(), gen, tasks, Options{Mode: Sequential},
		func(i int, s prompt.Section) error {
			started = append(started, s.Key)
			return nil
		},
		func(o Outcome) error {
			if o.Fallback {
				t.Errorf("%s fell back: %v", o.Section.Key, o.Err)
			}
			done = append(done, o.Section.Key)
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := strings.Join(prompt.Keys(), ",")
	if got := strings.Join(started, ","); got != want {
		t.Errorf("start order = %s, want %s", got, want)
	}
	if got := strings.Join(done, ","); got != want {
		t.Errorf("done order = %s, want %s", got, want)
	}
}

func TestRun_Sequential_StartErrorStops(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	var calls atomic.Int32
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		calls.Add(1)
		return llm.Success(validFor(tasks, p))
	})
	stopErr := errors.New("cancelled")

	err := Run(context.Background(), gen, tasks, Options{Mode: Sequential},
		func(i int, _ prompt.Section) error {
			if i == 2 {
				return stopErr
			}
			return nil
		}, nil)
	if !errors.Is(err, stopErr) {
		t.Fatalf("Run error = %v, want stopErr", err)
	}
	if calls.Load() != 2 {
		t.Errorf("generator called %d times, want 2", calls.Load())
	}
}

func TestRun_Concurrent_CompletionOrder(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	// The first section is the slowest, so it must arrive last.
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		if p == tasks[0].Prompt {
			time.Sleep(50 * time.Millisecond)
		}
		return llm.Success(validFor(tasks, p))
	})

	var mu sync.Mutex
	var order []string
	err := Run(context.Background(), gen, tasks, Options{Mode: Concurrent}, nil, func(o Outcome) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, o.Section.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != len(tasks) {
		t.Fatalf("got %d outcomes, want %d", len(order), len(tasks))
	}
	if order[len(order)-1] != tasks[0].Section.Key {
		t.Errorf("slowest section arrived at position %v, want last", order)
	}
	seen := make(map[string]bool)
	for _, k := range order {
		if seen[k] {
			t.Errorf("section %s delivered twice", k)
		}
		seen[k] = true
	}
}

func TestRun_Concurrent_Limit(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	var inFlight, peak atomic.Int32
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return llm.Success(validFor(tasks, p))
	})

	if err := Run(context.Background(), gen, tasks, Options{Mode: Concurrent, Limit: 2}, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak.Load())
	}
}

func TestRun_Concurrent_DoneErrorAwaitsInFlight(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	release := make(chan struct{})
	var started, finished atomic.Int32
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		started.Add(1)
		if p != tasks[0].Prompt {
			<-release
		}
		finished.Add(1)
		return llm.Success(validFor(tasks, p))
	})
	stopErr := errors.New("cancelled")

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	var delivered int
	err := Run(context.Background(), gen, tasks, Options{Mode: Concurrent}, nil, func(o Outcome) error {
		delivered++
		return stopErr
	})
	if !errors.Is(err, stopErr) {
		t.Fatalf("Run error = %v, want stopErr", err)
	}
	if delivered != 1 {
		t.Errorf("delivered %d outcomes after stop, want 1", delivered)
	}
	// Every dispatched generation completed before Run returned.
	if finished.Load() != started.Load() {
		t.Errorf("finished = %d, started = %d", finished.Load(), started.Load())
	}
}

func TestRun_FallbackOnFailureAndMalformed(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		switch p {
		case tasks[3].Prompt:
			return llm.Failure(errors.New("model timeout"))
		case tasks[4].Prompt:
			return llm.Success(map[string]any{"unrelated": true})
		}
		return llm.Success(validFor(tasks, p))
	})

	results := make(map[string]Outcome)
	var mu sync.Mutex
	err := Run(context.Background(), gen, tasks, Options{Mode: Concurrent}, nil, func(o Outcome) error {
		mu.Lock()
		results[o.Section.Key] = o
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	risks := results["risks"]
	if !risks.Fallback || risks.Err == nil {
		t.Errorf("risks outcome = %+v, want fallback", risks)
	}
	if _, ok := risks.Data["source"]; ok {
		t.Error("risks carries model data despite failure")
	}
	if q := results["questions"]; !q.Fallback || !errors.Is(q.Err, ErrMalformed) {
		t.Errorf("questions outcome = %+v, want malformed fallback", q)
	}
	if s := results["summary"]; s.Fallback || s.Data["source"] != "model" {
		t.Errorf("summary outcome = %+v, want model data", s)
	}
}

func TestRun_PanicBecomesFallback(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	gen := llm.GeneratorFunc(func(_ context.Context, p string) llm.Result {
		if p == tasks[1].Prompt {
			panic("kaboom")
		}
		return llm.Success(validFor(tasks, p))
	})

	var got []Outcome
	var mu sync.Mutex
	err := Run(context.Background(), gen, tasks, Options{Mode: Concurrent}, nil, func(o Outcome) error {
		mu.Lock()
		got = append(got, o)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != len(tasks) {
		t.Fatalf("got %d outcomes, want %d", len(got), len(tasks))
	}
	for _, o := range got {
		if o.Section.Key == "strengths" && !errors.Is(o.Err, ErrSectionPanic) {
			t.Errorf("strengths outcome err = %v, want ErrSectionPanic", o.Err)
		}
	}
}

func TestRun_ParentContextCancelled(t *testing.T) {
	t.Parallel()
	tasks := testTasks()
	ctx, cancel := context.WithCancel(context.Background())
	gen := llm.GeneratorFunc(func(ctx context.Context, p string) llm.Result {
		<-ctx.Done()
		return llm.Failure(ctx.Err())
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Run(ctx, gen, tasks, Options{Mode: Concurrent}, nil, func(Outcome) error { return nil })
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want nil or context.Canceled", err)
	}
}
