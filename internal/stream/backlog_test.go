package stream

import (
	"errors"
	"testing"

	"github.com/sttmux/sttmux/internal/config"
)

func testStreamCfg() config.StreamConfig {
	return config.StreamConfig{
		SoftLimit:            8,
		HardLimit:            32,
		MaxDropMs:            1000,
		MeetingQueueFactor:   4,
		KeepaliveMs:          60000,
		MaxMissedPongs:       2,
		MaxDictionaryPhrases: 1024,
	}
}

func TestGovernorSendsBelowSoftLimit(t *testing.T) {
	g := newGovernor(testStreamCfg(), false)

	for i := 0; i < 8; i++ {
		d, err := g.admit(100)
		if err != nil || d != decisionSend {
			t.Fatalf("admit %d = (%v, %v), want send", i, d, err)
		}
	}
	if d, _ := g.admit(100); d != decisionDrop {
		t.Errorf("admit at soft limit = %v, want drop", d)
	}
}

func TestGovernorDropBudget(t *testing.T) {
	cfg := testStreamCfg()
	cfg.SoftLimit = 1
	cfg.HardLimit = 10
	cfg.MaxDropMs = 500
	g := newGovernor(cfg, false)

	if d, err := g.admit(250); d != decisionSend || err != nil {
		t.Fatalf("first chunk = (%v, %v), want send", d, err)
	}
	// Two drops totalling exactly the 500 ms budget pass without error.
	for i := 0; i < 2; i++ {
		d, err := g.admit(250)
		if d != decisionDrop || err != nil {
			t.Fatalf("drop %d = (%v, %v), want silent drop", i, d, err)
		}
	}
	// The third drop pushes the total to 750 ms and fails the lane.
	d, err := g.admit(250)
	if d != decisionFail {
		t.Fatalf("over-budget admit = %v, want fail", d)
	}
	if !errors.Is(err, ErrBacklogDropBudget) {
		t.Errorf("err = %v, want ErrBacklogDropBudget", err)
	}
}

func TestGovernorHardLimit(t *testing.T) {
	cfg := testStreamCfg()
	cfg.SoftLimit = 2
	cfg.HardLimit = 3
	cfg.MaxDropMs = 1e9
	g := newGovernor(cfg, false)

	g.admit(10)
	g.admit(10)
	if d, _ := g.admit(10); d != decisionDrop {
		t.Fatalf("admit between limits = %v, want drop", d)
	}
	// Force pending to the hard limit.
	g.mu.Lock()
	g.pending = 3
	g.mu.Unlock()

	d, err := g.admit(10)
	if d != decisionFail || !errors.Is(err, ErrBacklogHardLimit) {
		t.Errorf("admit at hard limit = (%v, %v), want ErrBacklogHardLimit", d, err)
	}
}

func TestGovernorCompleteResetsDropBudget(t *testing.T) {
	cfg := testStreamCfg()
	cfg.SoftLimit = 1
	cfg.HardLimit = 10
	cfg.MaxDropMs = 500
	g := newGovernor(cfg, false)

	g.admit(250)       // send, pending=1
	g.admit(250)       // drop, budget 250
	g.complete()       // pending back below soft, budget resets
	g.admit(250)       // send
	d, err := g.admit(250) // drop against a fresh budget
	if d != decisionDrop || err != nil {
		t.Errorf("post-reset drop = (%v, %v), want silent drop", d, err)
	}
}

func TestGovernorMeetingModeWidensLimits(t *testing.T) {
	cfg := testStreamCfg()
	cfg.SoftLimit = 2
	cfg.HardLimit = 0 // derive
	cfg.MaxDropMs = 100
	g := newGovernor(cfg, true)

	if g.softLimit != 8 {
		t.Errorf("meeting soft limit = %d, want 8", g.softLimit)
	}
	if g.maxDropMs != 400 {
		t.Errorf("meeting drop budget = %.0f, want 400", g.maxDropMs)
	}
	if g.hardLimit != 32 {
		t.Errorf("derived hard limit = %d, want max(4*8, 32) = 32", g.hardLimit)
	}
}
