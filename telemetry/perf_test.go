package telemetry

import (
	"testing"
	"time"
)

func TestPerfCollector_BasicTiming(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseDensity)
		time.Sleep(100 * time.Microsecond)
		pc.StartPhase(PhaseAccelerate)
		time.Sleep(200 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()

	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration")
	}
	if _, ok := stats.PhaseAvg[PhaseDensity]; !ok {
		t.Error("expected density phase to be tracked")
	}
	if _, ok := stats.PhaseAvg[PhaseAccelerate]; !ok {
		t.Error("expected accelerate phase to be tracked")
	}
	if stats.MinStepDuration > stats.MaxStepDuration {
		t.Errorf("min %v > max %v", stats.MinStepDuration, stats.MaxStepDuration)
	}
}

func TestPerfCollector_RollingWindow(t *testing.T) {
	pc := NewPerfCollector(5) // Small window

	// Fill window more than once
	for i := 0; i < 12; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseSpatialGrid)
		pc.EndStep()
	}

	if pc.sampleCount != 5 {
		t.Errorf("sampleCount = %d, want 5", pc.sampleCount)
	}

	stats := pc.Stats()
	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration after window filled")
	}
	if stats.StepsPerSecond <= 0 {
		t.Error("expected positive steps per second")
	}
}

func TestPerfCollector_PhasePercentages(t *testing.T) {
	pc := NewPerfCollector(10)

	// Simulate with uneven phase durations
	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseIntegrate)
		time.Sleep(10 * time.Microsecond)
		pc.StartPhase(PhaseAccelerate)
		time.Sleep(2 * time.Millisecond)
		pc.EndStep()
	}

	stats := pc.Stats()
	fast := stats.PhasePct[PhaseIntegrate]
	slow := stats.PhasePct[PhaseAccelerate]
	if slow <= fast {
		t.Errorf("expected accelerate (%v%%) > integrate (%v%%)", slow, fast)
	}

	row := stats.ToCSV(50)
	if row.WindowEnd != 50 || row.AcceleratePct != slow {
		t.Errorf("ToCSV mismatch: %+v", row)
	}
}

func TestPerfCollector_EmptyStats(t *testing.T) {
	pc := NewPerfCollector(10)

	stats := pc.Stats()

	// Empty collector should return zero values without panicking
	if stats.AvgStepDuration != 0 {
		t.Error("expected zero avg step duration for empty collector")
	}
	if stats.PhaseAvg == nil || stats.PhasePct == nil {
		t.Error("expected non-nil phase maps")
	}
}
