package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/cloudx-io/agentmarket/core"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// RegoPolicy evaluates an admission decision for a bid with OPA.
// The module must define data.agentmarket.admission.decision as a string
// and may define data.agentmarket.admission.reasons as a set of strings.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicy prepares the admission query against the given module source.
func NewRegoPolicy(ctx context.Context, module string) (*RegoPolicy, error) {
	r := rego.New(
		rego.Query("decision = data.agentmarket.admission.decision; reasons = object.get(data.agentmarket.admission, \"reasons\", [])"),
		rego.Module("admission.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &RegoPolicy{query: query}, nil
}

// AdmissionInput is the document exposed to the policy as input.
type AdmissionInput struct {
	Bid     *core.Bid          `json:"bid"`
	Profile *core.AgentProfile `json:"profile,omitempty"`
}

// Evaluate returns the policy decision and any reasons it gave.
// A policy producing no decision is treated as allow.
func (p *RegoPolicy) Evaluate(ctx context.Context, bid *core.Bid, profile *core.AgentProfile) (string, []string, error) {
	input, err := toInput(AdmissionInput{Bid: bid, Profile: profile})
	if err != nil {
		return "", nil, err
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 {
		return DecisionAllow, nil, nil
	}

	decision, ok := results[0].Bindings["decision"].(string)
	if !ok {
		return "", nil, fmt.Errorf("policy decision is not a string: %T", results[0].Bindings["decision"])
	}

	var reasons []string
	if raw, ok := results[0].Bindings["reasons"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return decision, reasons, nil
}

// toInput round-trips through JSON so the policy sees the wire field names.
func toInput(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal policy input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("unmarshal policy input: %w", err)
	}
	return input, nil
}
