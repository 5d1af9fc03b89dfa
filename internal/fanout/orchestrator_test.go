package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"reverie/internal/types"
)

// stubSource returns canned data, an error, or hangs until cancelled.
type stubSource struct {
	name     string
	data     types.ContextData
	err      error
	delay    time.Duration
	hang     bool
	fallback *types.ContextData
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, _ Request) (types.ContextData, error) {
	if s.hang {
		<-ctx.Done()
		return types.ContextData{}, ctx.Err()
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return types.ContextData{}, ctx.Err()
		}
	}
	return s.data, s.err
}

func (s *stubSource) Fallback() types.ContextData {
	if s.fallback != nil {
		return *s.fallback
	}
	return types.ContextData{}
}

func testConfig(d time.Duration) Config {
	return Config{WorkingTimeout: d, WorldTimeout: d, RecallTimeout: d}
}

func TestGatherAllSourcesSucceed(t *testing.T) {
	o := NewOrchestrator(
		&stubSource{name: "working", data: types.ContextData{Text: "w"}},
		&stubSource{name: "world", data: types.ContextData{Text: "s"}},
		&stubSource{name: "recall", data: types.ContextData{Text: "r"}},
		testConfig(time.Second),
	)

	bundle := o.Gather(context.Background(), Request{RequestID: "t1"})
	if bundle.FallbackCount() != 0 {
		t.Fatalf("FallbackCount = %d, want 0", bundle.FallbackCount())
	}
	if bundle.Working.Data.Text != "w" || bundle.World.Data.Text != "s" || bundle.Recall.Data.Text != "r" {
		t.Fatalf("bundle texts = %q/%q/%q", bundle.Working.Data.Text, bundle.World.Data.Text, bundle.Recall.Data.Text)
	}
}

// A hanging source costs its own timeout, not the sum: three sources hanging
// under a 100ms timeout still finish the gather in roughly 100ms.
func TestGatherWallClockIsMaxTimeoutNotSum(t *testing.T) {
	timeout := 100 * time.Millisecond
	o := NewOrchestrator(
		&stubSource{name: "working", hang: true},
		&stubSource{name: "world", hang: true},
		&stubSource{name: "recall", hang: true},
		testConfig(timeout),
	)

	start := time.Now()
	bundle := o.Gather(context.Background(), Request{RequestID: "t2"})
	elapsed := time.Since(start)

	if bundle.FallbackCount() != 3 {
		t.Fatalf("FallbackCount = %d, want 3", bundle.FallbackCount())
	}
	if elapsed < timeout {
		t.Fatalf("gather returned in %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > 2*timeout {
		t.Fatalf("gather took %v, expected roughly one timeout (%v), not the sum", elapsed, timeout)
	}
}

func TestGatherSlowSourceDoesNotBlockOthers(t *testing.T) {
	fb := types.ContextData{Text: "cached"}
	o := NewOrchestrator(
		&stubSource{name: "working", data: types.ContextData{Text: "fast"}},
		&stubSource{name: "world", hang: true, fallback: &fb},
		&stubSource{name: "recall", data: types.ContextData{Text: "also fast"}},
		testConfig(80*time.Millisecond),
	)

	bundle := o.Gather(context.Background(), Request{RequestID: "t3"})
	if bundle.Working.IsFallback || bundle.Recall.IsFallback {
		t.Fatal("healthy sources were marked fallback")
	}
	if !bundle.World.IsFallback {
		t.Fatal("hanging source was not marked fallback")
	}
	if bundle.World.Data.Text != "cached" {
		t.Fatalf("fallback data = %q, want the source's cached value", bundle.World.Data.Text)
	}
}

func TestGatherErrorBecomesFallback(t *testing.T) {
	o := NewOrchestrator(
		&stubSource{name: "working", err: errors.New("boom")},
		&stubSource{name: "world", data: types.ContextData{Text: "ok"}},
		&stubSource{name: "recall", data: types.ContextData{Text: "ok"}},
		testConfig(time.Second),
	)

	bundle := o.Gather(context.Background(), Request{RequestID: "t4"})
	if !bundle.Working.IsFallback {
		t.Fatal("errored source was not marked fallback")
	}
	if bundle.FallbackCount() != 1 {
		t.Fatalf("FallbackCount = %d, want 1", bundle.FallbackCount())
	}
}

func TestGatherNilSourceTreatedAsTimeout(t *testing.T) {
	o := NewOrchestrator(
		nil,
		&stubSource{name: "world", data: types.ContextData{Text: "ok"}},
		&stubSource{name: "recall", data: types.ContextData{Text: "ok"}},
		testConfig(time.Second),
	)

	start := time.Now()
	bundle := o.Gather(context.Background(), Request{RequestID: "t5"})
	if !bundle.Working.IsFallback {
		t.Fatal("nil source was not marked fallback")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("nil source cost %v, should be immediate", elapsed)
	}
}

func TestGatherPanickingSourceBecomesFallback(t *testing.T) {
	panicky := &panicSource{}
	o := NewOrchestrator(
		panicky,
		&stubSource{name: "world", data: types.ContextData{Text: "ok"}},
		&stubSource{name: "recall", data: types.ContextData{Text: "ok"}},
		testConfig(time.Second),
	)

	bundle := o.Gather(context.Background(), Request{RequestID: "t6"})
	if !bundle.Working.IsFallback {
		t.Fatal("panicking source was not marked fallback")
	}
}

type panicSource struct{}

func (panicSource) Name() string { return "panicky" }
func (panicSource) Fetch(context.Context, Request) (types.ContextData, error) {
	panic("source exploded")
}

func TestMetricsCountFallbacks(t *testing.T) {
	o := NewOrchestrator(
		&stubSource{name: "working", err: errors.New("down")},
		&stubSource{name: "world", data: types.ContextData{Text: "ok"}},
		&stubSource{name: "recall", data: types.ContextData{Text: "ok"}},
		testConfig(time.Second),
	)

	o.Gather(context.Background(), Request{RequestID: "m1"})
	o.Gather(context.Background(), Request{RequestID: "m2"})

	gathers, workingFB, worldFB, recallFB := o.Metrics()
	if gathers != 2 {
		t.Fatalf("gathers = %d, want 2", gathers)
	}
	if workingFB != 2 || worldFB != 0 || recallFB != 0 {
		t.Fatalf("fallbacks = %d/%d/%d, want 2/0/0", workingFB, worldFB, recallFB)
	}
}

func TestWorkingSourceWindow(t *testing.T) {
	w := NewWorkingSource()
	for i := 0; i < defaultTurnWindow+5; i++ {
		w.Append("s1", "user", "msg")
	}

	data, err := w.Fetch(context.Background(), Request{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data.Fragments) != defaultTurnWindow {
		t.Fatalf("window holds %d turns, want %d", len(data.Fragments), defaultTurnWindow)
	}

	empty, err := w.Fetch(context.Background(), Request{SessionID: "other"})
	if err != nil {
		t.Fatalf("Fetch empty session: %v", err)
	}
	if empty.Text != "" {
		t.Fatalf("unknown session returned %q, want empty-but-valid", empty.Text)
	}
}
