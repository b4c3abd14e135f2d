package agentipc

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/vexfs/vexfs/internal/semantic"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	t.Parallel()
	msg, err := Encode(MsgHeartbeat, 42, 1000, FlagRequiresAck, []byte(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	h, body, err := Decode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if h.CorrID != 42 || h.Type != MsgHeartbeat || h.Flags != FlagRequiresAck {
		t.Fatalf("unexpected header: %+v", h)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	t.Parallel()
	msg, err := Encode(MsgAck, 1, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	msg[HeaderSize-1] ^= 0xFF // corrupt a body/checksum byte outside the header-proper range is fine too
	if _, _, err := Decode(msg); err == nil {
		t.Fatal("expected checksum mismatch")
	}
}

func TestRegistryRegisterAndRoute(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	reg := New(DefaultConfig(), nil, func() time.Time { return now })

	info := Info{ID: "svc-1", Name: "bge-small", Capabilities: Capabilities{
		SupportedDimensions: []uint32{768},
		SupportedModels:     []string{"bge-small"},
		MaxBatchSize:        32,
	}}
	if err := reg.Register(info); err != nil {
		t.Fatal(err)
	}
	if err := reg.Heartbeat("svc-1", LoadInfo{CPUUsage: 0.2}); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Route(Capabilities{SupportedDimensions: []uint32{768}})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "svc-1" {
		t.Fatalf("got %q, want svc-1", got.ID)
	}
}

func TestRegistryRouteExcludesOverloaded(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	reg := New(DefaultConfig(), nil, func() time.Time { return now })
	info := Info{ID: "svc-1", Capabilities: Capabilities{SupportedDimensions: []uint32{768}, MaxBatchSize: 8}}
	reg.Register(info)
	reg.Heartbeat("svc-1", LoadInfo{CPUUsage: 0.95})

	if _, err := reg.Route(Capabilities{SupportedDimensions: []uint32{768}}); err == nil {
		t.Fatal("expected no services available once overloaded")
	}
}

func TestRegistryRecordFailureMarksUnhealthy(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 2
	reg := New(cfg, nil, func() time.Time { return now })
	reg.Register(Info{ID: "svc-1", Capabilities: Capabilities{SupportedDimensions: []uint32{768}, MaxBatchSize: 8}})
	reg.Heartbeat("svc-1", LoadInfo{})

	reg.RecordFailure("svc-1")
	reg.RecordFailure("svc-1")

	svc, err := reg.Get("svc-1")
	if err != nil {
		t.Fatal(err)
	}
	if svc.Health.Status != HealthUnhealthy {
		t.Fatalf("expected unhealthy after threshold, got %v", svc.Health.Status)
	}
	if _, err := reg.Route(Capabilities{SupportedDimensions: []uint32{768}}); err == nil {
		t.Fatal("expected unhealthy service excluded from routing")
	}
}

func TestConnSendRecvRoundTrips(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca, cb := NewConn(a), NewConn(b)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ca.Send(MsgHeartbeat, 7, 0, struct{ X int }{X: 3}); err != nil {
			t.Error(err)
		}
	}()

	h, body, err := cb.Recv()
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if h.CorrID != 7 || h.Type != MsgHeartbeat {
		t.Fatalf("unexpected header: %+v", h)
	}
	if string(body) != `{"X":3}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDispatchSemanticEventIngestsIntoBridge(t *testing.T) {
	t.Parallel()
	j := semantic.New(semantic.DefaultConfig(), nil)
	var sink bytes.Buffer
	bridge, err := semantic.NewBridge(j, &sink, semantic.BridgeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer bridge.Close()

	reg := New(DefaultConfig(), nil, time.Now)
	l := NewListener(reg, nil, bridge, nil)

	a, b := net.Pipe()
	defer a.Close()
	ca, cb := NewConn(a), NewConn(b)

	e := semantic.Event{GlobalSeq: 9, Origin: "agent-1", Priority: semantic.PriorityNormal}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ca.Send(MsgSemanticEvent, 1, 0, e); err != nil {
			t.Error(err)
		}
	}()
	h, body, err := cb.Recv()
	if err != nil {
		t.Fatal(err)
	}
	<-done
	go l.dispatch(nil, cb, h, body)

	ah, _, err := ca.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ah.Type != MsgAck {
		t.Fatalf("expected MsgAck, got %v", ah.Type)
	}
}
