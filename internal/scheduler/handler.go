package scheduler

import (
	"context"
	"time"

	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/tier"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
)

// Result is the outcome of one dispatched operation
type Result struct {
	OperationID string          `json:"operation_id"`
	AccountID   string          `json:"account_id"`
	Tier        tier.Tier       `json:"tier"`
	Kind        orderqueue.Kind `json:"kind"`
	Err         error           `json:"-"`
	CompletedAt time.Time       `json:"completed_at"`
}

// OK reports whether the operation succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// Handler executes one kind group. It returns one Result per item it
// processed; a non-nil error fails the whole group.
type Handler interface {
	Handle(ctx context.Context, ops []orderqueue.Operation) ([]Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error)

func (f HandlerFunc) Handle(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
	return f(ctx, ops)
}

// errAllItemsFailed marks a group whose handler returned but failed every item
var errAllItemsFailed = errs.NewWithKind("AllItemsFailed").Explain("every item in the group failed")

// guarded runs a handler through the breaker of its dependency
type guarded struct {
	next       Handler
	registry   *circuitbreaker.Registry
	dependency string
}

// Guard wraps next so every call passes through the registry's breaker for
// dependency. The group counts as a breaker failure when the handler errors,
// panics, or fails every item with an error outside the breaker's allow-list.
func Guard(next Handler, registry *circuitbreaker.Registry, dependency string) Handler {
	return &guarded{next: next, registry: registry, dependency: dependency}
}

func (g *guarded) Handle(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
	breaker := g.registry.GetOrCreate(g.dependency)

	var results []Result
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		res, err := g.next.Handle(ctx, ops)
		results = res
		if err != nil {
			return err
		}
		return allFailed(res, breaker)
	})
	if err != nil && errs.Is(err, errAllItemsFailed) {
		return results, nil
	}
	return results, err
}

func allFailed(results []Result, breaker *circuitbreaker.Breaker) error {
	if len(results) == 0 {
		return nil
	}
	for _, r := range results {
		if r.Err == nil || breaker.IsNonFatal(r.Err) {
			return nil
		}
	}
	return errAllItemsFailed.Wrap(results[0].Err)
}
