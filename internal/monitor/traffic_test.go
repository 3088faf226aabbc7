package monitor

import (
	"testing"
	"time"
)

func TestTrafficDeltaFirstObservationIsBaseline(t *testing.T) {
	s := newTrafficSampler()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	rx, tx, ok := s.delta("m1", base, 1000, 500)
	if ok {
		t.Fatalf("first observation produced rates %v/%v", rx, tx)
	}

	rx, tx, ok = s.delta("m1", base.Add(10*time.Second), 2000, 1000)
	if !ok {
		t.Fatal("second observation should derive rates")
	}
	if rx != 100 || tx != 50 {
		t.Errorf("rates = %v/%v, want 100/50", rx, tx)
	}
}

func TestTrafficDeltaCounterReset(t *testing.T) {
	s := newTrafficSampler()
	base := time.Now()

	s.delta("m1", base, 5000, 5000)

	// Counters went backwards: reboot or interface bounce.
	rx, tx, ok := s.delta("m1", base.Add(time.Second), 100, 100)
	if ok {
		t.Fatalf("reset produced rates %v/%v", rx, tx)
	}

	// The reset reading is the new baseline.
	rx, tx, ok = s.delta("m1", base.Add(3*time.Second), 300, 500)
	if !ok {
		t.Fatal("reading after reset should derive rates")
	}
	if rx != 100 || tx != 200 {
		t.Errorf("rates = %v/%v, want 100/200", rx, tx)
	}
}

func TestTrafficDeltaRejectsNonPositiveElapsed(t *testing.T) {
	s := newTrafficSampler()
	at := time.Now()

	s.delta("m1", at, 100, 100)
	if _, _, ok := s.delta("m1", at, 200, 200); ok {
		t.Error("zero elapsed time should not produce rates")
	}
	if _, _, ok := s.delta("m1", at.Add(-time.Second), 300, 300); ok {
		t.Error("clock moving backwards should not produce rates")
	}
}

func TestTrafficDeltaKeepsMonitorsApart(t *testing.T) {
	s := newTrafficSampler()
	base := time.Now()

	s.delta("m1", base, 1000, 1000)

	// A different monitor starts from its own baseline.
	if _, _, ok := s.delta("m2", base.Add(time.Second), 9000, 9000); ok {
		t.Error("m2 should still be establishing a baseline")
	}

	rx, _, ok := s.delta("m1", base.Add(2*time.Second), 1200, 1000)
	if !ok || rx != 100 {
		t.Errorf("m1 rates disturbed by m2: rx = %v, ok = %v", rx, ok)
	}
}

func TestTrafficForgetRestartsBaseline(t *testing.T) {
	s := newTrafficSampler()
	base := time.Now()

	s.delta("m1", base, 1000, 1000)
	s.forget("m1")

	if _, _, ok := s.delta("m1", base.Add(time.Second), 2000, 2000); ok {
		t.Error("forgotten monitor should re-baseline")
	}
}
