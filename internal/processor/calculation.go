package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// CalculationInput is the payload of a calculation job
type CalculationInput struct {
	Operation string    `json:"operation"`
	Numbers   []float64 `json:"numbers"`
}

// ComplexResult is the result of the "complex" operation
type ComplexResult struct {
	Sum     float64 `json:"sum"`
	Product float64 `json:"product"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// CalculationProcessor runs add, multiply and complex over a list of numbers
type CalculationProcessor struct {
	Delay time.Duration
}

// NewCalculationProcessor returns a processor that takes delay per job
func NewCalculationProcessor(delay time.Duration) *CalculationProcessor {
	return &CalculationProcessor{Delay: delay}
}

// Execute returns the bare computed value: a number for add and multiply,
// a ComplexResult for complex
func (p *CalculationProcessor) Execute(ctx context.Context, payload json.RawMessage) (any, error) {
	var in CalculationInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, &FatalError{Cause: calcError(fmt.Errorf("invalid payload: %w", err))}
	}

	if err := simulate(ctx, p.Delay); err != nil {
		return nil, err
	}

	switch in.Operation {
	case "add":
		return sum(in.Numbers), nil
	case "multiply":
		return product(in.Numbers), nil
	case "complex":
		if len(in.Numbers) == 0 {
			return nil, calcError(fmt.Errorf("numbers must not be empty"))
		}
		s := sum(in.Numbers)
		res := ComplexResult{
			Sum:     s,
			Product: product(in.Numbers),
			Average: s / float64(len(in.Numbers)),
			Min:     in.Numbers[0],
			Max:     in.Numbers[0],
		}
		for _, n := range in.Numbers[1:] {
			res.Min = min(res.Min, n)
			res.Max = max(res.Max, n)
		}
		return res, nil
	default:
		return nil, calcError(fmt.Errorf("Unknown operation: %s", in.Operation))
	}
}

func calcError(cause error) *ProcessingError {
	return &ProcessingError{
		JobType: types.TypeCalculation,
		Message: "Calculation failed: " + cause.Error(),
		Cause:   cause,
	}
}

func sum(ns []float64) float64 {
	var s float64
	for _, n := range ns {
		s += n
	}
	return s
}

func product(ns []float64) float64 {
	p := 1.0
	for _, n := range ns {
		p *= n
	}
	return p
}
