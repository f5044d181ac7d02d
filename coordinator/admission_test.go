package coordinator

import "testing"

func TestAdmissionCapsOutstandingPerAgent(t *testing.T) {
	a := NewAdmission(2)
	if !a.TryAcquire("x") || !a.TryAcquire("x") {
		t.Fatal("expected first two acquisitions to succeed")
	}
	if a.TryAcquire("x") {
		t.Fatal("expected third acquisition to be rejected at the cap")
	}
	a.Release("x")
	if !a.TryAcquire("x") {
		t.Fatal("expected a slot to free up after Release")
	}
}

func TestAdmissionIsPerAgent(t *testing.T) {
	a := NewAdmission(1)
	if !a.TryAcquire("x") {
		t.Fatal("expected x to acquire")
	}
	if !a.TryAcquire("y") {
		t.Fatal("expected y to acquire independently of x's cap")
	}
}

func TestAdmissionOutstandingReflectsAcquireRelease(t *testing.T) {
	a := NewAdmission(5)
	a.TryAcquire("x")
	a.TryAcquire("x")
	if got := a.Outstanding("x"); got != 2 {
		t.Fatalf("expected outstanding 2, got %d", got)
	}
	a.Release("x")
	if got := a.Outstanding("x"); got != 1 {
		t.Fatalf("expected outstanding 1, got %d", got)
	}
}
