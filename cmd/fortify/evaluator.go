package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/kbukum/fortify/errors"
)

var (
	errEvaluatorClosed = stderrors.New("evaluator closed")
	errEvaluatorFault  = stderrors.New("simulated evaluator fault")
)

// EvalParams are the inputs of one evaluation.
type EvalParams struct {
	Op       string  `json:"op"`
	Operands []int64 `json:"operands"`
}

// EvalResult is the payload returned to callers and cached.
type EvalResult struct {
	Evaluator int   `json:"evaluator"`
	Value     int64 `json:"value"`
}

// Evaluator stands in for an expensive, failure-prone backend such as a
// homomorphic evaluation engine. It implements pool.Pinger and io.Closer.
type Evaluator struct {
	id          int
	latency     time.Duration
	failureRate float64
	closed      atomic.Bool
}

func newEvaluatorFactory(cfg BackendConfig) func(context.Context) (*Evaluator, error) {
	var seq atomic.Int64
	return func(context.Context) (*Evaluator, error) {
		return &Evaluator{
			id:          int(seq.Add(1)),
			latency:     cfg.Latency,
			failureRate: cfg.FailureRate,
		}, nil
	}
}

// Evaluate computes p after the configured latency. It fails at random with
// the configured rate.
func (e *Evaluator) Evaluate(ctx context.Context, p EvalParams) ([]byte, error) {
	if e.closed.Load() {
		return nil, errors.ServiceUnavailable("evaluator")
	}

	timer := time.NewTimer(e.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if e.failureRate > 0 && rand.Float64() < e.failureRate {
		return nil, errors.ExternalServiceError("evaluator", errEvaluatorFault)
	}

	var value int64
	switch p.Op {
	case "mul":
		value = 1
		for _, v := range p.Operands {
			value *= v
		}
	default:
		for _, v := range p.Operands {
			value += v
		}
	}
	return json.Marshal(EvalResult{Evaluator: e.id, Value: value})
}

// Ping fails once the evaluator is closed.
func (e *Evaluator) Ping(context.Context) error {
	if e.closed.Load() {
		return errEvaluatorClosed
	}
	return nil
}

// Close marks the evaluator closed.
func (e *Evaluator) Close() error {
	e.closed.Store(true)
	return nil
}
