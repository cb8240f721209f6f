package model

import "fmt"

// Category is a closed set of error kinds the core must distinguish, per
// spec §7. Propagation rules live in the packages that raise each kind;
// this type only carries the taxonomy so callers can `errors.As` on it.
type Category string

const (
	CategoryTransientIO       Category = "TransientIO"
	CategoryUpstreamSchema    Category = "UpstreamSchema"
	CategoryStoreWrite        Category = "StoreWrite"
	CategoryConcurrentRun     Category = "ConcurrentRun"
	CategoryPreconditionFailed Category = "PreconditionFailed"
	CategoryQualityAssertion  Category = "QualityAssertion"
	CategoryCancelled         Category = "Cancelled"
)

// CategorizedError attaches a Category to an underlying cause so the Stage
// Runner and Pipeline Coordinator can decide retry/propagation behavior
// without string-matching error messages.
type CategorizedError struct {
	Category Category
	Cause    error
}

func (e *CategorizedError) Error() string {
	if e.Cause == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Cause)
}

func (e *CategorizedError) Unwrap() error { return e.Cause }

// NewError wraps cause with a category.
func NewError(cat Category, cause error) *CategorizedError {
	return &CategorizedError{Category: cat, Cause: cause}
}

// ConcurrentRunError is returned by the Guard when an api-name already has
// a live RUNNING row younger than the reclaim threshold.
type ConcurrentRunError struct {
	APIName string
}

func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf("concurrent run rejected for api %q: a run is already in progress", e.APIName)
}

// SkippedError describes a Retry-Guard hit: a prior SUCCESS row for the
// same task name and idempotency key. No code path in this module returns
// it; `etld guard run` reports such a hit by printing a skip line and
// exiting 0.
type SkippedError struct {
	TaskName       string
	IdempotencyKey string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("task %q key %q already satisfied, skipped", e.TaskName, e.IdempotencyKey)
}
