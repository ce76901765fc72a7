package intercept

import (
	"context"

	"github.com/jumbomem/jumbomem-go/concurrency"
)

// Go spawns fn on a new goroutine registered with reg, the analogue of
// funcoverrides.c's pthread_create wrapper plus
// threadsupport.c's jm_thread_start_routine: every goroutine the freeze
// protocol needs to see must be registered this way rather than spawned
// bare, or Freeze will simply never know it exists and the "freeze every
// other thread" guarantee silently stops covering it -- the Go analogue of
// the original's concern about externally-created stacks bypassing the
// library's own bookkeeping.
func Go(ctx context.Context, reg *concurrency.Registry, internal bool, fn func(ctx context.Context, rec *concurrency.Record)) {
	rec := reg.NewRecord(internal)
	childCtx := concurrency.WithRecord(ctx, rec)
	go func() {
		defer rec.MarkFreed()
		fn(childCtx, rec)
	}()
}
