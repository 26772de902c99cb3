package validation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudx-io/agentmarket/core"
)

// Validator gates bid acceptance. It runs ValidateBid, then the signature
// stage, then the optional rego admission stage.
type Validator struct {
	policy     MarketPolicy
	clock      core.Clock
	signatures *SignatureValidator
	admission  *RegoPolicy
	logger     zerolog.Logger
}

type Option func(*Validator)

func WithClock(clock core.Clock) Option {
	return func(v *Validator) { v.clock = clock }
}

// WithSignatures enables COSE verification of attached signatures.
// Without it, signatures are accepted as opaque tokens.
func WithSignatures(sv *SignatureValidator) Option {
	return func(v *Validator) { v.signatures = sv }
}

func WithAdmissionPolicy(p *RegoPolicy) Option {
	return func(v *Validator) { v.admission = p }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

func NewValidator(policy MarketPolicy, opts ...Option) *Validator {
	v := &Validator{
		policy: policy,
		clock:  core.SystemClock,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) Policy() MarketPolicy {
	return v.policy
}

// Signatures returns the configured signature validator, or nil.
func (v *Validator) Signatures() *SignatureValidator {
	return v.signatures
}

// Validate runs every stage against bid. profile may be nil.
func (v *Validator) Validate(ctx context.Context, bid *core.Bid, profile *core.AgentProfile) *Result {
	result := ValidateBid(bid, profile, v.policy, v.clock.Now())
	if bid == nil {
		return result
	}
	if !result.Accepted {
		v.logger.Debug().
			Str("bid_id", bid.ID).
			Str("stage", string(result.Stage)).
			Strs("errors", result.Errors).
			Msg("bid rejected")
		return result
	}

	if errs := v.checkSignature(bid); len(errs) > 0 {
		return rejected(StageSignature, errs)
	}

	if v.admission != nil {
		decision, reasons, err := v.admission.Evaluate(ctx, bid, profile)
		if err != nil {
			v.logger.Error().Err(err).Str("bid_id", bid.ID).Msg("admission policy evaluation failed")
			return rejected(StageAdmission, []string{fmt.Sprintf("admission policy error: %v", err)})
		}
		if decision == DecisionDeny {
			if len(reasons) == 0 {
				reasons = []string{"denied by admission policy"}
			}
			return rejected(StageAdmission, reasons)
		}
		if decision != DecisionAllow {
			v.logger.Warn().Str("bid_id", bid.ID).Str("decision", decision).Msg("unknown admission decision treated as allow")
		}
	}
	return result
}

func (v *Validator) checkSignature(bid *core.Bid) []string {
	if bid.Signature == "" {
		if v.policy.RequireSignature {
			return []string{"signature is required"}
		}
		return nil
	}
	if v.signatures == nil {
		return nil
	}
	if err := v.signatures.VerifyBid(bid); err != nil {
		return []string{err.Error()}
	}
	return nil
}
