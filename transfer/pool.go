package transfer

import "context"

type chunkResult struct {
	index int
	err   error
}

// forEachChunk runs fn for every chunk on at most concurrency goroutines.
// Chunks are started in order. The first error cancels the context passed to
// the running calls and no further chunk is started. It returns only after
// every started call has returned.
func forEachChunk(ctx context.Context, chunks []ChunkSpec, concurrency int, fn func(ctx context.Context, index int, chunk ChunkSpec) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultChan := make(chan chunkResult, len(chunks))
	semaphore := make(chan struct{}, concurrency)

	started := 0
	for i, chunk := range chunks {
		semaphore <- struct{}{}
		if ctx.Err() != nil {
			break
		}

		started++
		go func(index int, chunk ChunkSpec) {
			defer func() { <-semaphore }()

			err := fn(ctx, index, chunk)
			// Sent before cancelling, so the failure is collected ahead of
			// the cancellations it causes.
			resultChan <- chunkResult{index: index, err: err}
			if err != nil {
				cancel()
			}
		}(i, chunk)
	}

	var firstErr error
	for i := 0; i < started; i++ {
		result := <-resultChan
		if result.err != nil && firstErr == nil {
			firstErr = result.err
		}
	}

	if firstErr == nil && started < len(chunks) {
		firstErr = ctx.Err()
	}
	return firstErr
}
