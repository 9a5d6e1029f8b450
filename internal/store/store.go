package store

import (
	"context"
	"errors"

	"github.com/seantiz/openscans/internal/model"
)

// ErrInvalidTransition is returned when a worker run state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid run state transition")

// Store defines the persistence operations for worker runs, their captured
// output and the detection audit trail.
type Store interface {
	CreateRun(ctx context.Context, r *model.WorkerRun) error
	GetRun(ctx context.Context, id string) (*model.WorkerRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.WorkerRun, int, error)
	UpdateRunState(ctx context.Context, id, state, errMsg string) error
	CloseStaleRuns(ctx context.Context, errMsg string) (int, error)
	InsertLogLine(ctx context.Context, runID string, seq int, stream, line string) error
	GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error)
	CreateDetection(ctx context.Context, d *model.Detection) error
	ListDetections(ctx context.Context, limit, offset int) ([]*model.Detection, int, error)
	Close() error
}
