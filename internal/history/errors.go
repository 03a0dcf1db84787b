package history

import (
	"errors"
	"fmt"

	"contenthistory/internal/store"
)

var (
	// ErrNotFound covers missing actions, diffs, consumers and histories.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps failed reads and writes against the history store.
	ErrStorage = errors.New("storage failure")
	// ErrNoOpRollback means the rollback target already equals the current text.
	ErrNoOpRollback = errors.New("rollback target equals current version")
	// ErrCoercion means a value could not be converted to or from text.
	ErrCoercion = errors.New("value coercion failed")
	// ErrConsistency means stored history failed to replay. It always
	// indicates a bug and must reach the caller.
	ErrConsistency = errors.New("history consistency violated")
	// ErrUnknownField means an observed field does not exist on the consumer.
	ErrUnknownField = errors.New("unknown observed field")
)

var classified = []error{ErrNotFound, ErrStorage, ErrNoOpRollback, ErrCoercion, ErrConsistency, ErrUnknownField}

func isClassified(err error) bool {
	for _, target := range classified {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// storeErr classifies an error returned by the store.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isClassified(err):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
}
