package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
	"github.com/lucks-13/foodtrace-capstone/pkg/index"
	"github.com/lucks-13/foodtrace-capstone/pkg/risk"
)

// Errors returned by the Service. The lower-level cause stays in the chain,
// so errors.Is matches both the ledger sentinel and the package one.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateBatchID   = errors.New("duplicate batch id")
	ErrIndexCorruption    = errors.New("index corruption")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func translate(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, chain.ErrStorageUnavailable):
		sentinel = ErrStorageUnavailable
	case errors.Is(err, chain.ErrDuplicateBatchID):
		sentinel = ErrDuplicateBatchID
	case errors.Is(err, chain.ErrInvalidRecord):
		sentinel = ErrValidation
	case errors.Is(err, index.ErrIndexCorruption):
		sentinel = ErrIndexCorruption
	case errors.Is(err, chain.ErrNotFound), errors.Is(err, index.ErrNotFound), errors.Is(err, risk.ErrNotFound):
		sentinel = ErrNotFound
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
