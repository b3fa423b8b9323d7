// Package workpool runs many tasks with a fixed ceiling on how many are in flight.
package workpool

import (
	"context"
	"fmt"
)

// Outcome is the result of one task. Err is nil on success.
type Outcome struct {
	Index int
	Bytes int64
	Err   error
}

// Failed ...
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Worker runs a single task. index is the task's position in the input.
type Worker[T any] func(ctx context.Context, index int, task T) Outcome

// CancelledError is the outcome of a task that was never started because the context
// was cancelled first.
type CancelledError struct {
	Index int
	Err   error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task %d not started: %s", e.Index, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// Run executes worker for every task with at most limit workers running at any instant
// and returns the outcomes in input order: result[i] belongs to tasks[i].
//
// A new task is admitted as soon as a running one finishes. A failing task does not
// stop its siblings; the whole batch is always settled before Run returns. Once ctx is
// cancelled no further task is admitted and every task not yet started gets a
// CancelledError outcome.
func Run[T any](ctx context.Context, tasks []T, limit int, worker Worker[T]) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(tasks) {
		limit = len(tasks)
	}

	semaphore := make(chan struct{}, limit)
	done := make(chan struct{}, len(tasks))
	started := 0

	for i, task := range tasks {
		if ctx.Err() != nil {
			outcomes[i] = Outcome{Index: i, Err: &CancelledError{Index: i, Err: ctx.Err()}}
			continue
		}

		select {
		case <-ctx.Done():
			outcomes[i] = Outcome{Index: i, Err: &CancelledError{Index: i, Err: ctx.Err()}}
			continue
		case semaphore <- struct{}{}:
		}

		// Both cases can be ready at once, cancellation wins.
		if ctx.Err() != nil {
			<-semaphore
			outcomes[i] = Outcome{Index: i, Err: &CancelledError{Index: i, Err: ctx.Err()}}
			continue
		}

		started++
		go func(index int, task T) {
			defer func() {
				<-semaphore
				done <- struct{}{}
			}()

			outcome := worker(ctx, index, task)
			outcome.Index = index
			outcomes[index] = outcome
		}(i, task)
	}

	for i := 0; i < started; i++ {
		<-done
	}

	return outcomes
}

// FirstFailure returns the first failed outcome in input order.
func FirstFailure(outcomes []Outcome) (Outcome, bool) {
	for _, o := range outcomes {
		if o.Failed() {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failures returns every failed outcome in input order.
func Failures(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// TotalBytes sums the bytes of the successful outcomes.
func TotalBytes(outcomes []Outcome) int64 {
	var total int64
	for _, o := range outcomes {
		if !o.Failed() {
			total += o.Bytes
		}
	}
	return total
}
