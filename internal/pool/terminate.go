package pool

import (
	"golang.org/x/sync/errgroup"
)

// terminateAllConcurrently signals every worker in parallel and waits for
// all of them to finish terminating before returning.
func terminateAllConcurrently(workers []*workerEntry, graceSeconds int, terminate func(*workerEntry, int)) error {
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			terminate(w, graceSeconds)
			return nil
		})
	}
	return g.Wait()
}
