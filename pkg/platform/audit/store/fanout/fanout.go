// Package fanout writes each audit batch to several stores at once.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	audit "vitalis/pkg/platform/audit"
)

// Target is a named store.
type Target struct {
	Name  string
	Store audit.Store
}

// Store fans InsertMany out to every target concurrently. A batch counts as
// stored only when every target accepted it; the batcher then retries the
// whole batch, which is safe because all targets deduplicate on event id.
type Store struct {
	targets []Target
}

func New(targets ...Target) (*Store, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	for _, t := range targets {
		if t.Store == nil {
			return nil, fmt.Errorf("target %q has no store", t.Name)
		}
	}
	return &Store{targets: targets}, nil
}

// Names lists the configured targets in order.
func (s *Store) Names() []string {
	out := make([]string, len(s.targets))
	for i, t := range s.targets {
		out[i] = t.Name
	}
	return out
}

// InsertMany returns the joined errors of all failed targets. Targets are not
// cancelled when a sibling fails so each gets its chance to store the batch.
func (s *Store) InsertMany(ctx context.Context, events []audit.Event) error {
	if len(s.targets) == 1 {
		return wrap(s.targets[0].Name, s.targets[0].Store.InsertMany(ctx, events))
	}
	errs := make([]error, len(s.targets))
	var g errgroup.Group
	for i, t := range s.targets {
		g.Go(func() error {
			errs[i] = wrap(t.Name, t.Store.InsertMany(ctx, events))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
