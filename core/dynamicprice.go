package core

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	FormulaFixed      = "fixed"
	FormulaMultiplier = "multiplier"
	FormulaTimeDecay  = "time_decay"
)

var (
	ErrUnknownFormula   = errors.New("unknown pricing formula")
	ErrFormulaParameter = errors.New("invalid pricing formula parameter")
)

// ResolveDynamicPrice evaluates the price formula at now and clamps the result
// to the price's min/max bounds.
//
//	""/"fixed"   amount
//	multiplier   amount * parameters["multiplier"]
//	time_decay   amount * (1 - parameters["decay_rate"])^hours_since(createdAt)
func ResolveDynamicPrice(p PriceSpecification, createdAt, now time.Time) (float64, error) {
	var amount float64
	switch p.Formula {
	case "", FormulaFixed:
		amount = p.Amount
	case FormulaMultiplier:
		m, ok := p.Parameters["multiplier"]
		if !ok || m <= 0 {
			return 0, fmt.Errorf("%w: multiplier must be positive", ErrFormulaParameter)
		}
		amount = MultiplyPrice(p.Amount, m)
	case FormulaTimeDecay:
		rate, ok := p.Parameters["decay_rate"]
		if !ok || rate < 0 || rate >= 1 {
			return 0, fmt.Errorf("%w: decay_rate must be in [0,1)", ErrFormulaParameter)
		}
		hours := now.Sub(createdAt).Hours()
		if hours < 0 {
			hours = 0
		}
		amount = MultiplyPrice(p.Amount, math.Pow(1-rate, hours))
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormula, p.Formula)
	}
	return ClampPrice(amount, p.MinPrice, p.MaxPrice), nil
}
