package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/davidahmann/dealledger/pkg/types"
)

// SupportedSchema is the range of policy schema versions this build reads.
const SupportedSchema = ">= 1.0.0, < 2.0.0"

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Engine is a compiled, immutable Policy.
type Engine struct {
	id       string
	version  string
	hash     string
	actions  map[string]ActionRule
	byEvent  map[types.EventType]string
	order    []string
	programs map[string]cel.Program
	schemas  map[types.EventType]*jsonschema.Schema
}

var conditionEnv = mustConditionEnv()

func mustConditionEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.StringType),
		cel.Variable("stress_mode", cel.BoolType),
		cel.Variable("action", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("policy condition env: %v", err))
	}
	return env
}

// Compile validates p and prepares its conditions and payload schemas.
func Compile(p Policy, hash string) (*Engine, error) {
	if strings.TrimSpace(p.PolicyID) == "" {
		return nil, errors.New("policy_id is required")
	}
	if err := checkSchemaVersion(p.SchemaVersion); err != nil {
		return nil, err
	}

	e := &Engine{
		id:       p.PolicyID,
		version:  p.PolicyVersion,
		hash:     hash,
		actions:  make(map[string]ActionRule, len(p.Actions)),
		byEvent:  make(map[types.EventType]string, len(p.Actions)),
		programs: make(map[string]cel.Program),
		schemas:  make(map[types.EventType]*jsonschema.Schema),
	}

	for _, rule := range p.Actions {
		if err := e.addAction(rule); err != nil {
			return nil, fmt.Errorf("action %q: %w", rule.Action, err)
		}
	}
	return e, nil
}

func checkSchemaVersion(raw string) error {
	if raw == "" {
		return errors.New("schema_version is required")
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("schema_version %q: %w", raw, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("schema_version %s not supported (want %s)", v, SupportedSchema)
	}
	return nil
}

func (e *Engine) addAction(rule ActionRule) error {
	if strings.TrimSpace(rule.Action) == "" {
		return errors.New("action name is required")
	}
	if _, dup := e.actions[rule.Action]; dup {
		return errors.New("duplicate action")
	}
	kind, ok := rule.Event.Kind()
	if !ok {
		return fmt.Errorf("unknown event %q", rule.Event)
	}
	if kind == types.KindInternal {
		return fmt.Errorf("event %s is reserved for the ledger", rule.Event)
	}
	if other, dup := e.byEvent[rule.Event]; dup {
		return fmt.Errorf("event %s already mapped to %s", rule.Event, other)
	}
	if rule.ApprovalThreshold < 0 {
		return errors.New("approval_threshold must not be negative")
	}
	if len(rule.ApproverRoles) > 0 && rule.ApprovalThreshold > len(rule.ApproverRoles) {
		return fmt.Errorf("approval_threshold %d exceeds %d approver roles", rule.ApprovalThreshold, len(rule.ApproverRoles))
	}

	rule.Requirements = slices.Clone(rule.Requirements)
	for i, req := range rule.Requirements {
		if strings.TrimSpace(req.Material) == "" {
			return fmt.Errorf("requirement %d: material is required", i)
		}
		if req.MinTier == "" {
			rule.Requirements[i].MinTier = types.TierAI
		} else if !req.MinTier.Valid() {
			return fmt.Errorf("requirement %s: unknown tier %q", req.Material, req.MinTier)
		}
		for _, s := range req.States {
			if !s.Valid() {
				return fmt.Errorf("requirement %s: unknown state %q", req.Material, s)
			}
		}
		if req.When != "" {
			if err := e.compileCondition(req.When); err != nil {
				return fmt.Errorf("requirement %s: %w", req.Material, err)
			}
		}
	}

	if len(rule.PayloadSchema) > 0 {
		schema, err := compileSchema(rule.Event, rule.PayloadSchema)
		if err != nil {
			return err
		}
		e.schemas[rule.Event] = schema
	}

	e.actions[rule.Action] = rule
	e.byEvent[rule.Event] = rule.Action
	e.order = append(e.order, rule.Action)
	return nil
}

func (e *Engine) compileCondition(expr string) error {
	if _, ok := e.programs[expr]; ok {
		return nil
	}
	ast, issues := conditionEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("condition %q must be boolean", expr)
	}
	prg, err := conditionEnv.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return fmt.Errorf("program %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return nil
}

func compileSchema(event types.EventType, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("payload_schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://dealledger.schemas.local/events/%s.schema.json", event)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("payload_schema load: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("payload_schema compile: %w", err)
	}
	return schema, nil
}

func (e *Engine) ID() string      { return e.id }
func (e *Engine) Version() string { return e.version }
func (e *Engine) Hash() string    { return e.hash }

// Actions returns action names in policy order.
func (e *Engine) Actions() []string {
	return slices.Clone(e.order)
}

func (e *Engine) Action(name string) (ActionRule, bool) {
	rule, ok := e.actions[name]
	return rule, ok
}

// ActionForEvent returns the action that gates appends of eventType.
func (e *Engine) ActionForEvent(eventType types.EventType) (ActionRule, bool) {
	name, ok := e.byEvent[eventType]
	if !ok {
		return ActionRule{}, false
	}
	return e.actions[name], true
}

// Requirements resolves the materials action needs for a deal with facts.
func (e *Engine) Requirements(action string, facts Facts) ([]Requirement, error) {
	rule, ok := e.actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	var out []Requirement
	for _, req := range rule.Requirements {
		if len(req.States) > 0 && !slices.Contains(req.States, facts.State) {
			continue
		}
		if req.When != "" {
			applies, err := e.evalCondition(req.When, action, facts)
			if err != nil {
				return nil, fmt.Errorf("requirement %s: %w", req.Material, err)
			}
			if !applies {
				continue
			}
		}
		out = append(out, req)
	}
	return out, nil
}

func (e *Engine) evalCondition(expr, action string, facts Facts) (bool, error) {
	prg, ok := e.programs[expr]
	if !ok {
		return false, fmt.Errorf("condition %q not compiled", expr)
	}
	out, _, err := prg.Eval(map[string]any{
		"state":       string(facts.State),
		"stress_mode": facts.StressMode,
		"action":      action,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("condition result not bool")
	}
	return val, nil
}

// ValidatePayload checks payload against the schema of the action mapped to
// eventType. Events without a schema accept any object.
func (e *Engine) ValidatePayload(eventType types.EventType, payload map[string]any) error {
	schema, ok := e.schemas[eventType]
	if !ok {
		return nil
	}
	var doc any = payload
	if payload == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}
	return nil
}
