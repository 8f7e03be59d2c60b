package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type limited struct {
	inner Engine
	sem   *semaphore.Weighted
}

// Limit caps the number of concurrent Transform calls on e. A non-positive
// limit returns e unchanged.
func Limit(e Engine, maxConcurrent int) Engine {
	if maxConcurrent <= 0 {
		return e
	}
	return &limited{inner: e, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

func (l *limited) Name() string { return l.inner.Name() }

func (l *limited) Transform(ctx context.Context, req Request) (Stats, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Stats{}, Fail(l.inner.Name(), CategoryTimeout, err)
	}
	defer l.sem.Release(1)
	return l.inner.Transform(ctx, req)
}
