package batch

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("run not found")

// RunRepository stores the etl_runs log.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
}
