package video

import (
	"math/rand"
	"testing"
	"time"
)

func TestAdmit(t *testing.T) {
	testCases := []struct {
		now, last, interval int64
		expected            bool
	}{
		{now: 100, last: 0, interval: 100, expected: true},
		{now: 99, last: 0, interval: 100, expected: false},
		{now: 250, last: 200, interval: 100, expected: false},
		{now: 300, last: 200, interval: 100, expected: true},
		{now: 5, last: 5, interval: 0, expected: true},
	}

	for _, tc := range testCases {
		if got := Admit(tc.now, tc.last, tc.interval); got != tc.expected {
			t.Errorf("Admit(%d, %d, %d): expected %v, got %v", tc.now, tc.last, tc.interval, tc.expected, got)
		}
	}
}

func TestGateSpacing(t *testing.T) {
	var now time.Duration
	gate := NewGate(DefaultMinFrameInterval, func() time.Duration { return now })

	random := rand.New(rand.NewSource(0))
	var admitted []time.Duration
	for i := 0; i < 1000; i++ {
		// Bursty arrivals between 0 and 60ms apart
		now += time.Duration(random.Int63n(60)) * time.Millisecond
		if gate.Allow() {
			admitted = append(admitted, now)
		}
	}

	if len(admitted) < 2 {
		t.Fatalf("expected several admitted frames, got %d", len(admitted))
	}
	for i := 1; i < len(admitted); i++ {
		if d := admitted[i] - admitted[i-1]; d < DefaultMinFrameInterval {
			t.Fatalf("admitted frames %d and %d are only %v apart", i-1, i, d)
		}
	}
}

func TestGateFirstFrameAndReset(t *testing.T) {
	now := 10 * time.Millisecond
	gate := NewGate(100*time.Millisecond, func() time.Duration { return now })
	if gate.MinInterval() != 100*time.Millisecond {
		t.Fatalf("unexpected minimum interval %v", gate.MinInterval())
	}

	if !gate.Allow() {
		t.Fatal("expected the first frame to be admitted")
	}
	if gate.Allow() {
		t.Fatal("expected an immediate second frame to be rejected")
	}

	gate.Reset()
	if !gate.Allow() {
		t.Fatal("expected a frame after Reset to be admitted")
	}
}

func TestGateRejectDoesNotMoveWindow(t *testing.T) {
	var now time.Duration
	gate := NewGate(100*time.Millisecond, func() time.Duration { return now })

	gate.Allow()
	now = 90 * time.Millisecond
	if gate.Allow() {
		t.Fatal("expected rejection at 90ms")
	}
	now = 100 * time.Millisecond
	if !gate.Allow() {
		t.Fatal("expected admission at 100ms, rejected frames must not reset the window")
	}
}
