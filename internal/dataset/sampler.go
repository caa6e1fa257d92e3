package dataset

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ShardOptions configures a ShardLoader.
type ShardOptions struct {
	Roots      map[string][]string
	BatchSize  int
	Seed       int64
	NumWorkers int
	PendingCap int
	DropLast   bool
}

// ShardLoader streams samples from tar shards spread over several roots.
// Shards are visited round-robin across roots in a seeded order; workers
// open shards concurrently and an aggregator re-serializes them so the
// sample order only depends on the seed and the epoch.
type ShardLoader struct {
	opts  ShardOptions
	epoch int
}

// NewShardLoader validates opts and returns the loader.
func NewShardLoader(opts ShardOptions) (*ShardLoader, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("sampler: no dataset roots provided")
	}
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, errors.New("sampler: no shards discovered")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("sampler: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &ShardLoader{opts: opts}, nil
}

// SetEpoch implements EpochSetter.
func (l *ShardLoader) SetEpoch(epoch int) { l.epoch = epoch }

// Len implements Loader. The number of samples in a shard is only known
// after reading it.
func (l *ShardLoader) Len() (int, bool) { return 0, false }

// Batches implements Loader.
func (l *ShardLoader) Batches(ctx context.Context) (<-chan any, <-chan error) {
	ctx, cancel := context.WithCancel(ctx)
	samples, sampleErr := l.stream(ctx)
	out := make(chan any)
	errCh := make(chan error, 1)

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)

		send := func(batch []Sample) bool {
			b, err := Collate(batch)
			if err != nil {
				errCh <- err
				return false
			}
			select {
			case <-ctx.Done():
				return false
			case out <- b:
				return true
			}
		}

		batch := make([]Sample, 0, l.opts.BatchSize)
		for s := range samples {
			batch = append(batch, s)
			if len(batch) == l.opts.BatchSize {
				if !send(batch) {
					return
				}
				batch = make([]Sample, 0, l.opts.BatchSize)
			}
		}
		if err := <-sampleErr; err != nil {
			errCh <- err
			return
		}
		if len(batch) > 0 && !l.opts.DropLast {
			send(batch)
		}
	}()
	return out, errCh
}

func (l *ShardLoader) stream(ctx context.Context) (<-chan Sample, <-chan error) {
	jobs := make(chan shardJob, l.opts.NumWorkers)
	cursors := make(chan shardCursor, l.opts.NumWorkers)
	out := make(chan Sample, l.opts.NumWorkers*2)
	errCh := make(chan error, l.opts.NumWorkers)

	rng := rand.New(rand.NewSource(l.opts.Seed + int64(l.epoch)))

	go produceJobs(ctx, jobs, l.opts.Roots, rng)

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, l.opts.PendingCap)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			cursor := shardCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

// runAggregator forwards the samples of each shard in job order.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case cursor, ok = <-cursors:
				if !ok {
					return
				}
				pending[cursor.id] = cursor
			}
			continue
		}

		for sample := range cursor.samples {
			select {
			case <-ctx.Done():
				return
			case out <- sample:
			}
		}
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- errors.WithMessagef(err, "shard %d", cursor.id)
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

// produceJobs emits one pass over every shard and closes jobs.
func produceJobs(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, rng *rand.Rand) {
	defer close(jobs)
	for id, entry := range buildRoundRobinOrder(roots, rng) {
		select {
		case <-ctx.Done():
			return
		case jobs <- shardJob{id: int64(id), root: entry.root, path: entry.path}:
		}
	}
}

type orderEntry struct {
	root string
	path string
}

func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), shards...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			shards := copied[root]
			rng.Shuffle(len(shards), func(i, j int) { shards[i], shards[j] = shards[j], shards[i] })
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}
