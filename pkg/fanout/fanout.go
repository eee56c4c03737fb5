// Package fanout runs independent batch work over a bounded worker pool.
// Batches within a pipeline stage have no ordering requirement between each
// other, only that all of them finish before the next stage starts.
package fanout

import (
	"context"
	"sync"
)

// DefaultConcurrency bounds the worker pool when the caller does not.
const DefaultConcurrency = 4

type indexedItem[T any] struct {
	index int
	item  T
}

type indexedResult[R any] struct {
	index int
	value R
	err   error
}

// Run executes fn for every item and returns the results in input order. The
// first fn error cancels the remaining items and is returned; in-flight items
// complete. fn should treat its error return as fatal to the whole fan-out;
// recoverable per-item failures belong inside R.
func Run[T any, R any](ctx context.Context, concurrency int, items []T, fn func(ctx context.Context, index int, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	itemChan := make(chan indexedItem[T], len(items))
	resultChan := make(chan indexedResult[R], len(items))

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemChan {
				// A canceled fan-out still drains the channel so wg.Wait
				// returns; skipped items report the cancellation.
				select {
				case <-workerCtx.Done():
					resultChan <- indexedResult[R]{index: item.index, err: workerCtx.Err()}
					continue
				default:
				}

				value, err := fn(workerCtx, item.index, item.item)
				resultChan <- indexedResult[R]{index: item.index, value: value, err: err}
			}
		}()
	}

	// The item channel is buffered to hold every item, so enqueueing never blocks.
	for i, item := range items {
		itemChan <- indexedItem[T]{index: i, item: item}
	}
	close(itemChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var firstErr error
	for res := range resultChan {
		results[res.index] = res.value
		if res.err != nil && firstErr == nil {
			firstErr = res.err
			cancel()
		}
	}

	return results, firstErr
}
