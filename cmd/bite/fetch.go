package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/tracker-core/internal/checkpoint"
	"github.com/nucleus/tracker-core/internal/logging"
	"github.com/nucleus/tracker-core/pkg/tracker"
)

// maxServices bounds how many services are queried at once.
const maxServices = 4

type fetchFlags struct {
	ids        []string
	status     []string
	fields     []string
	sort       []string
	terms      []string
	after      string
	before     string
	modified   string
	limit      int
	pageSize   int
	checkpoint string
}

var queryFlags fetchFlags

func (f *fetchFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&f.after, "created-after", "", "Only entities created after this time (RFC 3339 or YYYY-MM-DD)")
	c.Flags().StringVar(&f.before, "created-before", "", "Only entities created before this time")
	c.Flags().IntVarP(&f.limit, "limit", "n", 0, "Stop after this many entities per service")
	c.Flags().IntVar(&f.pageSize, "page-size", 0, "Records per request")
}

func (f *fetchFlags) filters(ids []string) (tracker.Filters, error) {
	filters := tracker.Filters{Status: f.status, IDs: ids}
	var err error
	if f.after != "" {
		if filters.CreatedAfter, err = parseWhen(f.after); err != nil {
			return filters, fmt.Errorf("--created-after: %w", err)
		}
	}
	if f.before != "" {
		if filters.CreatedBefore, err = parseWhen(f.before); err != nil {
			return filters, fmt.Errorf("--created-before: %w", err)
		}
	}
	if f.modified != "" {
		if filters.ModifiedAfter, err = parseWhen(f.modified); err != nil {
			return filters, fmt.Errorf("--modified-after: %w", err)
		}
	}
	filters.Terms = f.terms
	return filters, nil
}

func (f *fetchFlags) options() []tracker.QueryOption {
	var opts []tracker.QueryOption
	if len(f.sort) > 0 {
		opts = append(opts, tracker.SortBy(f.sort...))
	}
	if f.pageSize > 0 {
		opts = append(opts, tracker.PageSize(f.pageSize))
	}
	if f.limit > 0 {
		opts = append(opts, tracker.Limit(f.limit))
	}
	return opts
}

// selectServices resolves the -s flags, defaulting to every configured
// service.
func selectServices(r *tracker.Registry, names []string) ([]*tracker.Service, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	svcs := make([]*tracker.Service, 0, len(names))
	for _, name := range names {
		svc, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, svc)
	}
	return svcs, nil
}

// eachService runs fn for every service concurrently. A failing service
// does not cancel the others; all failures are returned joined.
func eachService(svcs []*tracker.Service, fn func(*tracker.Service) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxServices)
	for _, svc := range svcs {
		g.Go(func() error {
			if err := fn(svc); err != nil {
				logging.CaptureError(err, "service", svc.Name(), "code", tracker.ErrorCode(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func runFetch(cmd *cobra.Command, kind tracker.Kind, ids []string) error {
	filters, err := queryFlags.filters(ids)
	if err != nil {
		return err
	}
	svcs, err := selectServices(registry, serviceArg)
	if err != nil {
		return err
	}
	var runner *checkpoint.Runner
	if queryFlags.checkpoint != "" {
		store, err := openStore(cmd.Context(), cfg.CheckpointDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		runner = checkpoint.NewRunner(store, logger.Logger)
	}

	out := newPrinter(cmd.OutOrStdout(), queryFlags.fields)
	defer out.Flush()
	ctx := cmd.Context()
	return eachService(svcs, func(svc *tracker.Service) error {
		if len(serviceArg) == 0 && !svc.Capabilities().Supports(kind) {
			return nil
		}
		q, err := svc.Query(queryFlags.fields, filters, queryFlags.options()...)
		if err != nil {
			return err
		}
		if runner != nil {
			_, err := runner.Run(ctx, svc, q, kind, queryFlags.checkpoint, func(e tracker.Entity) error {
				return out.Write(svc.Name(), e)
			})
			return err
		}
		return fetchInto(ctx, svc, q, kind, func(e tracker.Entity) error {
			return out.Write(svc.Name(), e)
		})
	})
}

func fetchInto(ctx context.Context, svc *tracker.Service, q *tracker.Query, kind tracker.Kind, fn func(tracker.Entity) error) error {
	s, err := svc.Fetch(ctx, q, kind)
	if err != nil {
		return err
	}
	defer s.Close()
	for e := range s.All() {
		if err := fn(e); err != nil {
			return err
		}
	}
	return s.Err()
}

// runTimeline merges the comments and changes of each service by creation
// time. Services without change history contribute comments only.
func runTimeline(cmd *cobra.Command, ids []string) error {
	filters, err := queryFlags.filters(ids)
	if err != nil {
		return err
	}
	svcs, err := selectServices(registry, serviceArg)
	if err != nil {
		return err
	}
	out := newPrinter(cmd.OutOrStdout(), nil)
	defer out.Flush()
	ctx := cmd.Context()
	return eachService(svcs, func(svc *tracker.Service) error {
		q, err := svc.Query(nil, filters, queryFlags.options()...)
		if err != nil {
			return err
		}
		var events []tracker.Entity
		collect := func(e tracker.Entity) error {
			events = append(events, e)
			return nil
		}
		for _, kind := range []tracker.Kind{tracker.KindComment, tracker.KindChange} {
			if !svc.Capabilities().Supports(kind) {
				continue
			}
			if err := fetchInto(ctx, svc, q, kind, collect); err != nil {
				return err
			}
		}
		sortByCreated(events)
		for _, e := range events {
			if err := out.Write(svc.Name(), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func sortByCreated(events []tracker.Entity) {
	slices.SortStableFunc(events, func(a, b tracker.Entity) int {
		return a.CreatedAt().Compare(b.CreatedAt())
	})
}
