package runtime

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/types"
)

func newBatchRunner(concurrency int, asyncFlag bool) *batchRunner {
	return &batchRunner{
		wp:        workerpool.New(concurrency),
		asyncFlag: asyncFlag,
	}
}

/**
 * batchRunner owns the set of live transaction runners and the shared
 * worker pool their step invocations dispatch onto. One runOnce pass
 * advances every runnable transaction a little; terminal runners are
 * swept out afterwards, their durable state lives in the execution log.
 */
type batchRunner struct {
	mu sync.Mutex

	wp        *workerpool.WorkerPool
	asyncFlag bool
	runners   map[string]*txRunner
}

func (b *batchRunner) exists(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, exists := b.runners[key]
	return exists
}

func (b *batchRunner) get(key string) *txRunner {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.runners[key]
}

func (b *batchRunner) add(key string, r *txRunner) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.runners == nil {
		b.runners = make(map[string]*txRunner)
	}
	if _, exists := b.runners[key]; exists {
		return errors.AlreadyExistsf("transaction: %s", key)
	}
	b.runners[key] = r
	return nil
}

func (b *batchRunner) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.runners)
}

func (b *batchRunner) stopWait(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wp.StopWait()

	var retErr error
	for key, r := range b.runners {
		err := r.forceStatus(ctx, types.TxPaused)
		if err != nil {
			retErr = errors.Wrapf(retErr, err, "failed on %s", key)
		}
	}
	return retErr
}

func (b *batchRunner) runOnce(ctx context.Context, maxRunAmount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.runners) == 0 {
		return nil
	}

	runAmount := 0
	for key, r := range b.runners {
		if !r.canRun() {
			continue
		}
		if runAmount++; runAmount > maxRunAmount {
			break
		}
		if err := r.runOnce(ctx); err != nil {
			return errors.Annotatef(err, "transaction %s", key)
		}
	}

	keyToRemoved := make([]string, 0, len(b.runners))
	for key, r := range b.runners {
		if r.terminal() {
			keyToRemoved = append(keyToRemoved, key)
		}
	}
	for _, key := range keyToRemoved {
		delete(b.runners, key)
	}
	return nil
}
