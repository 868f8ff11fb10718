package gantry

import (
	"context"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// StartAll starts all containers in parallel. On any failure the containers
// that did start are stopped before the error is returned.
func StartAll(ctx context.Context, containers ...*Container) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		g.Go(func() error {
			return c.Start(gctx)
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}
	cleanupCtx := context.WithoutCancel(ctx)
	for _, c := range containers {
		err = multierr.Append(err, c.Stop(cleanupCtx))
	}
	return err
}

// ListManaged returns every container carrying the managed label, running or
// not, for suite-wide inspection of leaked containers.
func ListManaged(ctx context.Context, engine Engine) ([]ContainerSummary, error) {
	return engine.ListContainers(ctx, ManagedLabelKey)
}

// RemoveManaged force-removes every container carrying the managed label.
func RemoveManaged(ctx context.Context, engine Engine) error {
	summaries, err := ListManaged(ctx, engine)
	if err != nil {
		return err
	}
	var errs error
	for _, summary := range summaries {
		if err := engine.RemoveContainer(ctx, summary.ID); err != nil && !IsNotFound(err) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
