package coord

import (
	"testing"
)

func TestRunAll_OrderAndOverwrite(t *testing.T) {
	s := NewScheduler()

	var order []string
	s.Register("b", func() { order = append(order, "b") })
	s.Register("a", func() { order = append(order, "a-first") })
	// Second registration under the same key replaces the first.
	s.Register("a", func() { order = append(order, "a") })

	s.RunAll()

	if len(order) != 2 {
		t.Fatalf("Expected exactly 2 task executions, got %d (%v)", len(order), order)
	}
	if order[0] != "a" || order[1] != "b" {
		t.Errorf("Expected execution order [a b], got %v", order)
	}
}

func TestRunAll_ExactlyOnce(t *testing.T) {
	s := NewScheduler()

	runs := 0
	s.Register("task", func() { runs++ })

	s.RunAll()
	s.RunAll()

	if runs != 1 {
		t.Errorf("Expected task to run exactly once across repeated RunAll, ran %d times", runs)
	}
}

func TestRunAll_PanickingTaskDoesNotStopOthers(t *testing.T) {
	s := NewScheduler()

	var order []string
	s.Register("1-panics", func() { panic("boom") })
	s.Register("2-runs", func() { order = append(order, "2-runs") })

	s.RunAll()

	if len(order) != 1 || order[0] != "2-runs" {
		t.Errorf("Expected the surviving task to run after a panicking one, got %v", order)
	}
}

func TestRegister_AfterRunAllIsNoop(t *testing.T) {
	s := NewScheduler()
	s.RunAll()

	ran := false
	s.Register("late", func() { ran = true })
	s.RunAll()

	if ran {
		t.Error("Expected registration after RunAll to be ignored")
	}
}

func TestUnregister(t *testing.T) {
	s := NewScheduler()

	ran := false
	s.Register("gone", func() { ran = true })
	s.Unregister("gone")
	s.RunAll()

	if ran {
		t.Error("Expected unregistered task not to run")
	}
}
