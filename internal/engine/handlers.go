package engine

import (
	"context"
	"fmt"

	"github.com/roach88/readsync/internal/ir"
)

// Handlers are the remote mutation functions, one per operation kind.
//
// Adding an operation kind to ir means adding a method here; every
// implementation then fails to compile until it handles the new kind.
type Handlers interface {
	AddFavorite(ctx context.Context, op ir.AddFavorite) error
	RemoveFavorite(ctx context.Context, op ir.RemoveFavorite) error
	UpdateDailyProgress(ctx context.Context, op ir.UpdateDailyProgress) error
	TrackActivity(ctx context.Context, op ir.TrackActivity) error
}

// Dispatch calls the handler method for op's concrete type.
func Dispatch(ctx context.Context, h Handlers, op ir.Operation) error {
	switch o := op.(type) {
	case ir.AddFavorite:
		return h.AddFavorite(ctx, o)
	case ir.RemoveFavorite:
		return h.RemoveFavorite(ctx, o)
	case ir.UpdateDailyProgress:
		return h.UpdateDailyProgress(ctx, o)
	case ir.TrackActivity:
		return h.TrackActivity(ctx, o)
	default:
		return fmt.Errorf("%w: %T", ir.ErrUnknownOperation, op)
	}
}
