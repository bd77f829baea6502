package policy

import "testing"

func TestValidateRejectsEscalateWithoutSpec(t *testing.T) {
	def := Definition{
		DefaultAction: ActionAllow,
		Rules: []Rule{
			{ID: "r1", When: Condition{Field: "intent.priority", Op: OpGte, Value: float64(1)}, Then: Then{Action: ActionEscalate}},
		},
	}
	if err := Validate(def); err == nil {
		t.Fatal("expected error for escalate rule missing escalation spec")
	}
}

func TestValidateRejectsDuplicateRuleIDs(t *testing.T) {
	def := Definition{
		DefaultAction: ActionAllow,
		Rules: []Rule{
			{ID: "r1", When: Condition{Field: "intent.priority", Op: OpEq, Value: float64(1)}, Then: Then{Action: ActionAllow}},
			{ID: "r1", When: Condition{Field: "intent.priority", Op: OpEq, Value: float64(2)}, Then: Then{Action: ActionDeny}},
		},
	}
	if err := Validate(def); err == nil {
		t.Fatal("expected error for duplicate rule ids")
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	def := Definition{
		DefaultAction: ActionDeny,
		Rules: []Rule{
			{ID: "r1", Priority: 1, Enabled: true,
				When: Condition{And: []Condition{
					{Field: "intent.priority", Op: OpGte, Value: float64(5)},
					{Field: "intent.goal", Op: OpContains, Value: "payment"},
				}},
				Then: Then{Action: ActionEscalate, Escalation: &EscalationSpec{To: "finance-team", TimeoutSeconds: 900}},
			},
		},
	}
	if err := Validate(def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
