package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// definitionSchema is the structural contract a policy definition must
// satisfy before it is ever handed to the condition-tree interpreter:
// every rule needs an id and a then.action, every leaf condition needs a
// field and an op. This is a fast, cheap rejection of shapes the
// interpreter would otherwise have to special-case at evaluation time.
const definitionSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["rules", "defaultAction"],
  "properties": {
    "target": {"type": "object"},
    "defaultAction": {"type": "string", "enum": ["allow","deny","escalate","limit","monitor","terminate"]},
    "defaultReason": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "when", "then"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "priority": {"type": "integer"},
          "enabled": {"type": "boolean"},
          "when": {"type": "object"},
          "then": {
            "type": "object",
            "required": ["action"],
            "properties": {
              "action": {"type": "string", "enum": ["allow","deny","escalate","limit","monitor","terminate"]}
            }
          }
        }
      }
    }
  }
}`

var definitionSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("definition.json", bytes.NewReader([]byte(definitionSchemaJSON))); err != nil {
		panic(fmt.Sprintf("policy: invalid embedded schema: %v", err))
	}
	schema, err := compiler.Compile("definition.json")
	if err != nil {
		panic(fmt.Sprintf("policy: compile embedded schema: %v", err))
	}
	definitionSchema = schema
}

// ValidateSchema checks def's shape against definitionSchema, independent
// of whether its condition trees are semantically sound.
func ValidateSchema(def Definition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("policy: marshal definition: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("policy: unmarshal definition: %w", err)
	}
	if err := definitionSchema.Validate(doc); err != nil {
		return fmt.Errorf("policy: schema validation: %w", err)
	}
	return nil
}

// celEnv declares the variables a rule's condition tree may reference, so
// Validate can catch a misspelled top-level section (e.g. "itent" for
// "intent") when the policy is created. CEL is not used to
// evaluate conditions — the linear-time interpreter in condition.go does
// that — only to type-check each leaf's top-level section against the
// variables declared here.
var celEnv = mustCelEnv()

func mustCelEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("entity", cel.DynType),
		cel.Variable("tenant", cel.DynType),
		cel.Variable("time", cel.DynType),
		cel.Variable("history", cel.DynType),
		cel.Variable("request", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: build cel env: %v", err))
	}
	return env
}

// Validate runs the gate Store.Create applies before a definition is
// stored (spec.md §4.2, I7): schema shape, condition-tree well-formedness
// (every leaf resolves to a known top-level section and a known operator,
// every and/or/not is non-empty), and a CEL type-check of each leaf's
// top-level section so a policy author's typo surfaces when the policy is
// created rather than at evaluation time, where it
// would otherwise silently fail closed on every matching intent.
func Validate(def Definition) error {
	if err := ValidateSchema(def); err != nil {
		return err
	}
	if len(def.Rules) == 0 {
		return fmt.Errorf("policy: definition has no rules")
	}
	seen := map[string]bool{}
	for _, r := range def.Rules {
		if seen[r.ID] {
			return fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if err := validateCondition(r.When, 0); err != nil {
			return fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
		if r.Then.Action == ActionEscalate && r.Then.Escalation == nil {
			return fmt.Errorf("policy: rule %q: escalate action requires an escalation spec", r.ID)
		}
	}
	return nil
}

const maxConditionDepth = 16

func validateCondition(c Condition, depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree exceeds max depth %d", maxConditionDepth)
	}
	switch {
	case len(c.And) > 0:
		for _, sub := range c.And {
			if err := validateCondition(sub, depth+1); err != nil {
				return err
			}
		}
	case len(c.Or) > 0:
		for _, sub := range c.Or {
			if err := validateCondition(sub, depth+1); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return validateCondition(*c.Not, depth+1)
	case c.Field != "":
		if _, issues := celEnv.Compile(celFieldRoot(c.Field)); issues != nil && issues.Err() != nil {
			return fmt.Errorf("field %q: %w", c.Field, issues.Err())
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpStartsWith, OpEndsWith, OpMatches:
		default:
			return fmt.Errorf("field %q: unknown operator %q", c.Field, c.Op)
		}
	default:
		return fmt.Errorf("empty condition node at depth %d", depth)
	}
	return nil
}

// celFieldRoot extracts the top-level section of a dotted field path
// ("intent.context.amount" -> "intent") so it can be checked against a
// declared CEL variable.
func celFieldRoot(field string) string {
	for i, r := range field {
		if r == '.' {
			return field[:i]
		}
	}
	return field
}
