package rpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/imn-project/imn/dbos/kv"
	"github.com/imn-project/imn/dbos/store"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close() // release the port, server.Serve will re-listen on it

	st := store.New(kv.NewMemoryEngine())
	srv := NewServer(st)
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	go func() {
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(ready)
		}()
		_ = srv.Serve(ctx, ln.Addr().String())
	}()
	<-ready
	time.Sleep(20 * time.Millisecond)

	return ln.Addr().String(), func() {
		cancel()
		st.Close()
	}
}

func TestClientRegisterAndGetAgent(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := NewClient(addr)
	defer c.Close()

	ctx := context.Background()
	now := time.Now()
	a := &store.Agent{AgentID: "a1", Hostname: "h1", FirstSeen: now, LastSeen: now}
	if err := c.RegisterAgent(ctx, a); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	got, err := c.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.AgentID != "a1" || got.Hostname != "h1" {
		t.Fatalf("unexpected agent: %+v", got)
	}
}

func TestClientGetAgentNotFound(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := NewClient(addr)
	defer c.Close()

	_, err := c.GetAgent(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientModuleStateInvalidTransition(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := NewClient(addr)
	defer c.Close()
	ctx := context.Background()

	bad := &store.ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: store.StateRunning}
	err := c.SetModuleState(ctx, bad)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestClientTaskRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := NewClient(addr)
	defer c.Close()
	ctx := context.Background()

	now := time.Now()
	task := &store.Task{TaskID: "t1", AgentID: "a1", Module: "ping", ScheduledAt: now.Add(-time.Second), CreatedAt: now}
	if err := c.ScheduleTask(ctx, task); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	claimed, err := c.ClaimDueTasks(ctx, now, 10*time.Second)
	if err != nil {
		t.Fatalf("ClaimDueTasks: %v", err)
	}
	if len(claimed) != 1 || claimed[0].TaskID != "t1" {
		t.Fatalf("expected to claim t1, got %+v", claimed)
	}

	if err := c.AckTask(ctx, "t1"); err != nil {
		t.Fatalf("AckTask: %v", err)
	}
}

func TestClientLogAndGetEvents(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := NewClient(addr)
	defer c.Close()
	ctx := context.Background()

	if err := c.LogEvent(ctx, &store.EventLogEntry{Kind: "test", Message: "hello"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	events, err := c.GetEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 || events[0].Message != "hello" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
