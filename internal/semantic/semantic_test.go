package semantic

import (
	"bytes"
	"testing"
	"time"
)

func TestEmitAssignsSeq(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	e1, err := j.Emit(Event{Type: KindFileCreate}, "")
	if err != nil {
		t.Fatal(err)
	}
	e2, err := j.Emit(Event{Type: KindFileWrite}, "")
	if err != nil {
		t.Fatal(err)
	}
	if e2.GlobalSeq <= e1.GlobalSeq {
		t.Fatalf("expected increasing GlobalSeq, got %d then %d", e1.GlobalSeq, e2.GlobalSeq)
	}
}

func TestSinceFiltersByCursor(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	e1, _ := j.Emit(Event{Type: KindFileCreate}, "")
	j.Emit(Event{Type: KindFileWrite}, "")
	events := j.Since(e1.GlobalSeq)
	if len(events) != 1 {
		t.Fatalf("expected 1 event after cursor, got %d", len(events))
	}
}

func TestSubscribeReceivesEmittedEvents(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	ch, unsub := j.Subscribe(4, nil, false)
	defer unsub()
	j.Emit(Event{Type: KindTxnCommit}, "")
	select {
	case e := <-ch:
		if e.Type != KindTxnCommit {
			t.Fatalf("unexpected kind %v", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestRunFiltersByKindAndPriority(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	j.Emit(Event{Type: KindFileWrite, Priority: PriorityLow}, "")
	j.Emit(Event{Type: KindFileWrite, Priority: PriorityCritical}, "")
	j.Emit(Event{Type: KindFileRead, Priority: PriorityCritical}, "")

	results := j.Run(Query{Kinds: []Kind{KindFileWrite}, MinPriority: PriorityHigh})
	if len(results) != 1 {
		t.Fatalf("expected 1 matching event, got %d", len(results))
	}
	if results[0].Type != KindFileWrite || results[0].Priority != PriorityCritical {
		t.Fatalf("unexpected match: %+v", results[0])
	}
}

func TestReplayRespectsCausalOrder(t *testing.T) {
	t.Parallel()
	var applied []uint64
	r := &Replayer{Apply: func(e Event) error {
		applied = append(applied, e.ID)
		return nil
	}}
	events := []Event{
		{ID: 3, CausalityLinks: []uint64{1, 2}},
		{ID: 1},
		{ID: 2, CausalityLinks: []uint64{1}},
	}
	n, err := r.Replay(events)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 applied, got %d", n)
	}
	if applied[len(applied)-1] != 3 {
		t.Fatalf("expected event 3 applied last, got order %v", applied)
	}
}

func TestRateLimiterBurstThenThrottle(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cfg := RateLimitConfig{
		RequestsPerMinutePerAgent: 60,
		BurstSizePerAgent:         2,
		EventsPerMinutePerAgent:   600,
		GlobalRequestsPerMinute:   6000,
		GlobalEventsPerMinute:     60000,
	}
	l := NewRateLimiter(cfg, func() time.Time { return now })
	ok, _ := l.AllowRequest("agent-a")
	if !ok {
		t.Fatal("first request should be allowed")
	}
	ok, _ = l.AllowRequest("agent-a")
	if !ok {
		t.Fatal("second request within burst should be allowed")
	}
	ok, v := l.AllowRequest("agent-a")
	if ok {
		t.Fatal("third request should exceed burst capacity")
	}
	if v.AgentID != "agent-a" {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestBridgeWritesJSONArrayPrefix(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	var buf bytes.Buffer
	b, err := NewBridge(j, &buf, BridgeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	j.Emit(Event{Type: KindMount}, "")
	time.Sleep(50 * time.Millisecond)
	b.Close()
	if buf.Len() == 0 || buf.Bytes()[0] != '[' {
		t.Fatalf("expected leading '[', got %q", buf.String())
	}
}

func TestBridgeCBORFramesAreLengthPrefixed(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	var buf bytes.Buffer
	b, err := NewBridge(j, &buf, BridgeOptions{Format: FormatCBOR})
	if err != nil {
		t.Fatal(err)
	}
	j.Emit(Event{Type: KindMount}, "")
	time.Sleep(50 * time.Millisecond)
	b.Close()
	if buf.Len() < 4 {
		t.Fatalf("expected at least a length prefix, got %d bytes", buf.Len())
	}
	n := int(buf.Bytes()[0])<<24 | int(buf.Bytes()[1])<<16 | int(buf.Bytes()[2])<<8 | int(buf.Bytes()[3])
	if n <= 0 || 4+n > buf.Len() {
		t.Fatalf("length prefix %d doesn't fit remaining buffer of %d bytes", n, buf.Len()-4)
	}
}

func TestBridgeResolvesConflictByVectorClockMerge(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	var buf bytes.Buffer
	b, err := NewBridge(j, &buf, BridgeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	local := Event{GlobalSeq: 5, Origin: "kernel", Priority: PriorityNormal, Clock: VectorClock{"kernel": 3}}
	b.forwardLocal(local)

	remote := Event{GlobalSeq: 5, Origin: "agent-1", Priority: PriorityCritical, Clock: VectorClock{"agent-1": 1}}
	b.IngestRemote(remote)

	b.mu.Lock()
	merged := b.recent[5]
	b.mu.Unlock()
	if merged.Origin != "agent-1" {
		t.Fatalf("expected higher-priority remote event to win, got origin %q", merged.Origin)
	}
	if merged.Clock["kernel"] != 3 || merged.Clock["agent-1"] != 1 {
		t.Fatalf("expected merged clock to carry both origins, got %+v", merged.Clock)
	}
}

func TestQueryFiltersByPathTagsAndRelevance(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	j.Emit(Event{Type: KindFileWrite, Path: "/data/a.vec", Tags: []string{"hot"}, RelevanceScore: 0.9}, "")
	j.Emit(Event{Type: KindFileWrite, Path: "/data/b.txt", Tags: []string{"cold"}, RelevanceScore: 0.1}, "")

	results := j.Run(Query{PathPattern: "/data/*.vec", Tags: []string{"hot"}, MinRelevance: 0.5})
	if len(results) != 1 {
		t.Fatalf("expected 1 matching event, got %d", len(results))
	}
	if results[0].Path != "/data/a.vec" {
		t.Fatalf("unexpected match: %+v", results[0])
	}
}

func TestSubscribeFilterOnlyDeliversMatchingEvents(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	filter := &Query{Kinds: []Kind{KindVectorSearch}}
	ch, unsub := j.Subscribe(4, filter, false)
	defer unsub()

	j.Emit(Event{Type: KindFileWrite}, "")
	j.Emit(Event{Type: KindVectorSearch}, "")

	select {
	case e := <-ch:
		if e.Type != KindVectorSearch {
			t.Fatalf("expected only VectorSearch to pass the filter, got %v", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
	select {
	case e := <-ch:
		t.Fatalf("expected no second event to pass the filter, got %v", e.Type)
	default:
	}
}

func TestLossySubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	j := New(DefaultConfig(), nil)
	_, unsub := j.Subscribe(1, nil, true)
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := j.Emit(Event{Type: KindFileWrite}, ""); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("lossy subscriber should never block Emit, took %s", elapsed)
	}
}
