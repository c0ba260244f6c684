package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OperationState string

const (
	OpRunning   OperationState = "running"
	OpSucceeded OperationState = "succeeded"
	OpFailed    OperationState = "failed"
	OpCancelled OperationState = "cancelled"
)

// Operation is a cancellable background engine call.
type Operation struct {
	ID        string
	Name      string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	result   any
	err      error
	finished time.Time
}

// OperationInfo is a point-in-time view of an Operation.
type OperationInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	State      OperationState `json:"state"`
	Error      string         `json:"error,omitempty"`
	Result     any            `json:"result,omitempty"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at,omitempty"`
}

// Done is closed when the operation has finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Cancel asks the operation to stop. Completed writes are kept.
func (o *Operation) Cancel() { o.cancel() }

// Wait blocks until the operation finishes and returns its outcome.
func (o *Operation) Wait() (any, error) {
	<-o.done
	return o.Result()
}

// Result returns the outcome so far; both are nil while running.
func (o *Operation) Result() (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.err
}

// Err returns the failure, nil while running or on success.
func (o *Operation) Err() error {
	_, err := o.Result()
	return err
}

func (o *Operation) Info() OperationInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	info := OperationInfo{ID: o.ID, Name: o.Name, Result: o.result, StartedAt: o.StartedAt.UTC().Format(time.RFC3339)}
	select {
	case <-o.done:
		info.FinishedAt = o.finished.UTC().Format(time.RFC3339)
		switch {
		case o.err == nil:
			info.State = OpSucceeded
		case isCancel(o.err):
			info.State = OpCancelled
			info.Error = o.err.Error()
		default:
			info.State = OpFailed
			info.Error = o.err.Error()
		}
	default:
		info.State = OpRunning
	}
	return info
}

// Go runs fn in the background and tracks it until the engine forgets it.
// The operation outlives the caller's request: only Cancel stops it.
func (e *Engine) Go(ctx context.Context, name string, fn func(context.Context) (any, error)) *Operation {
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	op := &Operation{ID: uuid.NewString(), Name: name, StartedAt: e.now(), cancel: cancel, done: make(chan struct{})}
	e.opsMu.Lock()
	e.ops[op.ID] = op
	e.opsMu.Unlock()
	go func() {
		defer cancel()
		res, err := fn(opCtx)
		op.mu.Lock()
		op.result, op.err, op.finished = res, err, e.now()
		op.mu.Unlock()
		close(op.done)
		if err != nil {
			e.Logger.Warn("operation failed", "operation", name, "id", op.ID, "error", err)
		}
	}()
	return op
}

// Operation looks up a tracked operation.
func (e *Engine) Operation(id string) (*Operation, bool) {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	op, ok := e.ops[id]
	return op, ok
}

// Operations lists tracked operations, newest first.
func (e *Engine) Operations() []OperationInfo {
	e.opsMu.Lock()
	ops := make([]*Operation, 0, len(e.ops))
	for _, op := range e.ops {
		ops = append(ops, op)
	}
	e.opsMu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.After(ops[j].StartedAt) })
	out := make([]OperationInfo, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Info())
	}
	return out
}

// ForgetFinished drops finished operations from the registry.
func (e *Engine) ForgetFinished() int {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	n := 0
	for id, op := range e.ops {
		select {
		case <-op.done:
			delete(e.ops, id)
			n++
		default:
		}
	}
	return n
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
