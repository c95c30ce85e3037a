package scheduler

import (
	"context"
	"sync"
)

// Run processes items with at most workers calls to fn in flight. As soon as
// one call returns the next item is dispatched, so the window slides rather
// than advancing in fixed batches. The first error, or cancellation of ctx,
// stops dispatch; calls already running see a cancelled context. Run returns
// the first error, or ctx.Err() if dispatch was cut short by cancellation.
func Run[T any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, item T) error) error {
	if len(items) == 0 {
		return ctx.Err()
	}
	workers = max(1, min(workers, len(items)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	itemCh := make(chan T)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemCh {
				if runCtx.Err() != nil {
					continue
				}
				if err := fn(runCtx, item); err != nil {
					fail(err)
				}
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, item := range items {
		select {
		case <-runCtx.Done():
			break dispatch
		case itemCh <- item:
			dispatched++
		}
	}
	close(itemCh)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if dispatched < len(items) || ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
