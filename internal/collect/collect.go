// Package collect defines the collection side of the pipeline: what a
// collector is, how a fetch reports its outcome, and the registry the
// scheduler dispatches from.
package collect

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftline/driftline/internal/market"
)

// Window bounds one fetch in epoch milliseconds, inclusive on both
// ends. The observation store deduplicates, so overlapping windows are
// harmless.
type Window struct {
	LoMs int64
	HiMs int64
}

// ResultKind tags a FetchResult.
type ResultKind int

const (
	// ResultOk carries observations, possibly zero of them.
	ResultOk ResultKind = iota
	// ResultTransient is a failure worth retrying: timeouts, 5xx,
	// rate-limit responses, connection resets.
	ResultTransient
	// ResultFatal is a failure retrying cannot fix: bad credentials,
	// a delisted series, a malformed fixture.
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "ok"
	case ResultTransient:
		return "transient"
	case ResultFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// FetchResult is the tagged outcome of one fetch. Constructors keep
// the invariant that exactly one of observations/err is meaningful.
type FetchResult struct {
	kind ResultKind
	obs  []market.Observation
	err  error
}

func Ok(obs []market.Observation) FetchResult {
	return FetchResult{kind: ResultOk, obs: obs}
}

func TransientFailure(err error) FetchResult {
	return FetchResult{kind: ResultTransient, err: err}
}

func FatalFailure(err error) FetchResult {
	return FetchResult{kind: ResultFatal, err: err}
}

func (r FetchResult) Kind() ResultKind { return r.kind }

func (r FetchResult) Observations() []market.Observation { return r.obs }

func (r FetchResult) Err() error { return r.err }

// TransientError wraps a retryable fetch failure for callers that pass
// outcomes around as plain errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("fetch: transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps a permanent fetch failure. Tasks that hit one are
// disabled until an operator intervenes.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fetch: fatal: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

func Transient(err error) error { return &TransientError{Err: err} }

func Fatal(err error) error { return &FatalError{Err: err} }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// FetchFunc pulls the observations for one window. Implementations
// must honor ctx and classify their own failures; an implementation
// that cannot tell picks transient so the scheduler retries.
type FetchFunc func(ctx context.Context, w Window) FetchResult

// Collector binds a scheduled task to the series it maintains and the
// fetch that feeds it.
type Collector struct {
	// TaskID is the scheduler's handle, unique across the registry.
	TaskID string
	// SeriesID is the store series this collector appends to.
	SeriesID string
	// Tier names the scheduling tier the task runs in.
	Tier string
	// ProviderID selects the rate budget and circuit breaker. Empty
	// means neither: synthetic and replay sources hit no provider.
	ProviderID string
	// IntervalMs overrides the tier cadence when nonzero.
	IntervalMs int64
	Fetch      FetchFunc
}

func (c Collector) Validate() error {
	switch {
	case c.TaskID == "":
		return errors.New("collect: task id is empty")
	case c.SeriesID == "":
		return fmt.Errorf("collect: task %s: series id is empty", c.TaskID)
	case c.Tier == "":
		return fmt.Errorf("collect: task %s: tier is empty", c.TaskID)
	case c.IntervalMs < 0:
		return fmt.Errorf("collect: task %s: negative interval", c.TaskID)
	case c.Fetch == nil:
		return fmt.Errorf("collect: task %s: nil fetch", c.TaskID)
	}
	return nil
}

// ErrDuplicateTask rejects a second registration under the same task
// id.
var ErrDuplicateTask = errors.New("collect: duplicate task id")

// Registry is the explicit set of collectors the scheduler runs.
// Registration order is preserved so dispatch order is stable.
type Registry struct {
	ordered []Collector
	byTask  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byTask: make(map[string]int)}
}

func (r *Registry) Register(c Collector) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, ok := r.byTask[c.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, c.TaskID)
	}
	r.byTask[c.TaskID] = len(r.ordered)
	r.ordered = append(r.ordered, c)
	return nil
}

func (r *Registry) Get(taskID string) (Collector, bool) {
	i, ok := r.byTask[taskID]
	if !ok {
		return Collector{}, false
	}
	return r.ordered[i], true
}

// All returns the collectors in registration order.
func (r *Registry) All() []Collector {
	out := make([]Collector, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Len() int { return len(r.ordered) }
