package policy

import "testing"

func TestEvaluateLeafOps(t *testing.T) {
	ctx := map[string]interface{}{
		"intent": map[string]interface{}{
			"priority": float64(7),
			"goal":     "wire a payment to the vendor",
			"tags":     []interface{}{"finance", "urgent"},
		},
	}

	cases := []struct {
		name string
		c    Condition
		want bool
	}{
		{"gte match", Condition{Field: "intent.priority", Op: OpGte, Value: float64(5)}, true},
		{"gte no match", Condition{Field: "intent.priority", Op: OpGte, Value: float64(9)}, false},
		{"contains substring", Condition{Field: "intent.goal", Op: OpContains, Value: "payment"}, true},
		{"contains in array", Condition{Field: "intent.tags", Op: OpContains, Value: "urgent"}, true},
		{"matches regexp", Condition{Field: "intent.goal", Op: OpMatches, Value: `^wire a payment`}, true},
		{"in set", Condition{Field: "intent.priority", Op: OpIn, Value: []interface{}{float64(1), float64(7)}}, true},
		{"missing field eq nil", Condition{Field: "intent.missing", Op: OpEq, Value: nil}, true},
		{"missing field ne something", Condition{Field: "intent.missing", Op: OpNe, Value: "x"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.c, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateAndOrNot(t *testing.T) {
	ctx := map[string]interface{}{
		"intent": map[string]interface{}{"priority": float64(8), "type": "transfer"},
	}
	c := Condition{And: []Condition{
		{Field: "intent.priority", Op: OpGte, Value: float64(5)},
		{Not: &Condition{Field: "intent.type", Op: OpEq, Value: "readonly"}},
	}}
	ok, err := Evaluate(c, ctx)
	if err != nil || !ok {
		t.Fatalf("got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestEvaluateBadRegexpFailsClosed(t *testing.T) {
	c := Condition{Field: "intent.goal", Op: OpMatches, Value: "("}
	ctx := map[string]interface{}{"intent": map[string]interface{}{"goal": "x"}}
	if _, err := Evaluate(c, ctx); err == nil {
		t.Fatal("expected error for invalid regexp")
	}
}

type staticSource struct{ policies []*Policy }

func (s staticSource) Published(string) ([]*Policy, error) { return s.policies, nil }

func TestEvaluatorFirstMatchWins(t *testing.T) {
	p := &Policy{
		ID: "p1", Version: 1, Status: StatusPublished,
		Definition: Definition{
			DefaultAction: ActionAllow,
			Rules: []Rule{
				{ID: "r1", Priority: 2, Enabled: true, When: Condition{Field: "intent.priority", Op: OpGte, Value: float64(8)}, Then: Then{Action: ActionEscalate, Escalation: &EscalationSpec{To: "security-team", TimeoutSeconds: 1800}}},
				{ID: "r0", Priority: 1, Enabled: true, When: Condition{Field: "intent.priority", Op: OpGte, Value: float64(5)}, Then: Then{Action: ActionMonitor, Reason: "elevated"}},
			},
		},
	}
	ev := NewEvaluator(staticSource{policies: []*Policy{p}})
	res, err := ev.Evaluate("tenant-a", EvalContext{Intent: map[string]interface{}{"priority": float64(9)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Action != ActionMonitor {
		t.Fatalf("expected lowest-priority rule (monitor) to match first, got %v", res.Action)
	}
	if len(res.MonitorSideEffects) != 0 {
		t.Fatalf("the winning monitor match should not also appear as a side effect")
	}
}

func TestEvaluatorDefaultActionWhenNoRuleMatches(t *testing.T) {
	p := &Policy{
		ID: "p1", Version: 1, Status: StatusPublished,
		Definition: Definition{
			DefaultAction: ActionDeny,
			DefaultReason: "no matching rule",
			Rules: []Rule{
				{ID: "r1", Priority: 1, Enabled: true, When: Condition{Field: "intent.priority", Op: OpGte, Value: float64(100)}, Then: Then{Action: ActionDeny}},
			},
		},
	}
	ev := NewEvaluator(staticSource{policies: []*Policy{p}})
	res, err := ev.Evaluate("tenant-a", EvalContext{Intent: map[string]interface{}{"priority": float64(1)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Action != ActionDeny || res.Reason != "no matching rule" {
		t.Fatalf("got %+v, want default deny", res)
	}
}

func TestEvaluatorNoApplicablePolicyFailsClosed(t *testing.T) {
	ev := NewEvaluator(staticSource{})
	res, err := ev.Evaluate("tenant-a", EvalContext{Intent: map[string]interface{}{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Action != ActionDeny {
		t.Fatalf("expected fail-closed deny with no policies, got %v", res.Action)
	}
}
