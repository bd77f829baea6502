package intent

import "testing"

func TestCanTransition_KnownEdges(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusEvaluating, true},
		{StatusPending, StatusApproved, false},
		{StatusEvaluating, StatusEscalated, true},
		{StatusEscalated, StatusApproved, true},
		{StatusApproved, StatusExecuting, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusCompleted, StatusExecuting, false},
		{StatusDenied, StatusApproved, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for s, edges := range Graph {
		wantTerminal := len(edges) == 0 || s == StatusApproved
		if s.Terminal() != wantTerminal {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), wantTerminal)
		}
	}
}
