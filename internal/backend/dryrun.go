package backend

import (
	"context"
	"fmt"
)

// DryRunBackend reports what would run without starting any process.
type DryRunBackend struct{}

// NewDryRunBackend creates a dry-run backend.
func NewDryRunBackend() *DryRunBackend {
	return &DryRunBackend{}
}

// Execute echoes the request. It fails only when ctx is already done.
func (DryRunBackend) Execute(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return Response{
		Output: fmt.Sprintf("[dry-run] %s (%s, attempt %d): %s", req.TaskID, req.Role, req.Attempt, req.Command),
	}, nil
}

// Close is a no-op.
func (DryRunBackend) Close() error {
	return nil
}
