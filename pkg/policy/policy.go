// Package policy evaluates site admission rules, written in CEL, against
// validated submissions before they are recorded.
//
// Each rule sees two variables:
//
//	event  map with vehiclePlate, movementType, location (strings) and
//	       timestamp (timestamp)
//	now    the ingestion instant (timestamp)
//
// A rule that evaluates to false rejects the submission.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/gatelog/gatelog/pkg/event"
)

// Rule is one named admission expression.
type Rule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Field   string `yaml:"field"`   // reported field, default "event"
	Message string `yaml:"message"` // reported reason, default "rejected by policy <name>"
}

type compiled struct {
	rule Rule
	prg  cel.Program
}

// Evaluator holds compiled rules. It is safe for concurrent use.
type Evaluator struct {
	rules []compiled
}

// File is the YAML layout of a rules file.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads rules from a YAML file and compiles them.
func LoadFile(path string) (*Evaluator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return New(f.Rules)
}

// New compiles rules. A rule that fails to compile or does not yield a
// bool is an error here, not at evaluation time.
func New(rules []Rule) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{rules: make([]compiled, 0, len(rules))}
	for i, r := range rules {
		if strings.TrimSpace(r.Expr) == "" {
			return nil, fmt.Errorf("rule %d (%s): empty expression", i, r.Name)
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s: must evaluate to bool, got %v", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiled{rule: r, prg: prg})
	}
	return e, nil
}

// Len returns the number of rules.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Admit evaluates every rule in order and returns a *event.ValidationError
// for the first one that is false. Evaluation errors also reject.
func (e *Evaluator) Admit(ctx context.Context, s event.Submission, now time.Time) error {
	if e.Len() == 0 {
		return nil
	}
	ts := now
	if s.Timestamp != nil {
		ts = *s.Timestamp
	}
	input := map[string]any{
		"event": map[string]any{
			"vehiclePlate": strings.TrimSpace(s.VehiclePlate),
			"movementType": strings.TrimSpace(s.MovementType),
			"location":     strings.TrimSpace(s.Location),
			"timestamp":    ts.UTC(),
		},
		"now": now.UTC(),
	}

	for _, c := range e.rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, _, err := c.prg.ContextEval(ctx, input)
		if err != nil {
			return reject(c.rule, fmt.Sprintf("policy %s could not be evaluated", c.rule.Name))
		}
		if allowed, ok := out.Value().(bool); !ok || !allowed {
			return reject(c.rule, c.rule.Message)
		}
	}
	return nil
}

func reject(r Rule, reason string) error {
	field := r.Field
	if field == "" {
		field = "event"
	}
	if reason == "" {
		reason = "rejected by policy " + r.Name
	}
	return &event.ValidationError{Field: field, Reason: reason}
}
