package scheduler

import (
	"errors"
	"fmt"

	"github.com/me/kestrel/pkg/model"
)

// Sentinel errors. Match them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrValidation        = errors.New("validation failed")
	ErrStopped           = errors.New("scheduler stopped")
)

// NotFoundError names the entity an operation referenced but could not find.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StoreError wraps a failed state store call.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// checkTask rejects a task status change that ValidTaskTransitions does not allow.
func checkTask(ref model.TaskRef, from, to model.TaskStatus) error {
	if !from.CanTransitionTo(to) {
		return invalidTransition("task", ref.String(), from, to)
	}
	return nil
}

// checkJob is checkTask for job status.
func checkJob(id int64, from, to model.JobStatus) error {
	if !from.CanTransitionTo(to) {
		return invalidTransition("job", fmt.Sprint(id), from, to)
	}
	return nil
}

func invalidTransition(entity, id string, from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %w", ErrInvalidTransition, &model.InvalidTransitionError{
		Entity: entity,
		ID:     id,
		From:   from.String(),
		To:     to.String(),
	})
}
