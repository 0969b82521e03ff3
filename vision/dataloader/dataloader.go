package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataset"
)

// Batch is a stacked group of samples: Images is NCHW, Labels is NCHW.
type Batch struct {
	Index  int
	Images *tensor.Tensor
	Labels *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Images.Shape[0]
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int   // Number of goroutines building batches
	Prefetch   int   // Maximum number of batches built ahead of the consumer
	Seed       int64 // Seeds shuffling and every per-sample random decision
	DropLast   bool
}

// DataLoader turns a dataset into batches built concurrently by a worker pool
// and delivered strictly in batch order.
type DataLoader struct {
	dataset dataset.Dataset
	cfg     Config
}

// New creates a data loader.
func New(ds dataset.Dataset, cfg Config) (*DataLoader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2 * cfg.NumWorkers
	}
	return &DataLoader{dataset: ds, cfg: cfg}, nil
}

// NumSamples returns the dataset size.
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.cfg.DropLast {
		return n / dl.cfg.BatchSize
	}
	return (n + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.cfg.BatchSize
}

// Order returns the sample order for epoch: identity without shuffling,
// otherwise a permutation that depends only on the seed and the epoch.
func (dl *DataLoader) Order(epoch int) []int {
	n := dl.dataset.Len()
	if !dl.cfg.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(sampleSeed(dl.cfg.Seed, epoch, -1))).Perm(n)
}

// Epoch starts loading the batches of one epoch. The caller must drain the
// iterator or Close it.
func (dl *DataLoader) Epoch(ctx context.Context, epoch int) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	total := dl.Len()
	it := &Iterator{
		ctx:     ctx,
		cancel:  cancel,
		total:   total,
		results: make([]chan result, total),
		tokens:  make(chan struct{}, dl.cfg.Prefetch),
	}
	for i := range it.results {
		it.results[i] = make(chan result, 1)
	}

	order := dl.Order(epoch)
	jobs := make(chan int)

	go func() {
		defer close(jobs)
		for b := 0; b < total; b++ {
			select {
			case it.tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < dl.cfg.NumWorkers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for b := range jobs {
				batch, err := dl.build(order, epoch, b)
				it.results[b] <- result{batch: batch, err: err}
			}
		}()
	}
	return it
}

func (dl *DataLoader) build(order []int, epoch, index int) (*Batch, error) {
	start := index * dl.cfg.BatchSize
	end := start + dl.cfg.BatchSize
	if end > len(order) {
		end = len(order)
	}

	images := make([]*tensor.Tensor, 0, end-start)
	labels := make([]*tensor.Tensor, 0, end-start)
	for pos := start; pos < end; pos++ {
		rng := rand.New(rand.NewSource(sampleSeed(dl.cfg.Seed, epoch, pos)))
		s, err := dl.dataset.Get(order[pos], rng)
		if err != nil {
			return nil, errors.Wrapf(err, "loading sample %d", order[pos])
		}
		images = append(images, s.Image)
		labels = append(labels, s.Label)
	}

	imageBatch, err := tensor.Stack(images)
	if err != nil {
		return nil, errors.Wrapf(err, "stacking images of batch %d", index)
	}
	labelBatch, err := tensor.Stack(labels)
	if err != nil {
		return nil, errors.Wrapf(err, "stacking labels of batch %d", index)
	}
	return &Batch{Index: index, Images: imageBatch, Labels: labelBatch}, nil
}

type result struct {
	batch *Batch
	err   error
}

// Iterator yields the batches of one epoch in order.
type Iterator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	total   int
	next    int
	results []chan result
	tokens  chan struct{}
	once    sync.Once
}

// Len returns the number of batches in the epoch.
func (it *Iterator) Len() int {
	return it.total
}

// Next blocks until the next batch is ready. It returns io.EOF after the last
// batch and the context error once the context is cancelled.
func (it *Iterator) Next() (*Batch, error) {
	if it.next >= it.total {
		it.Close()
		return nil, io.EOF
	}
	select {
	case r := <-it.results[it.next]:
		it.next++
		<-it.tokens
		if r.err != nil {
			it.Close()
			return nil, r.err
		}
		return r.batch, nil
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	}
}

// Close stops the workers and waits for them to exit.
func (it *Iterator) Close() {
	it.once.Do(func() {
		it.cancel()
		it.wg.Wait()
	})
}

// sampleSeed mixes the loader seed, the epoch and a position in the epoch
// order into an independent seed (splitmix64 finalizer).
func sampleSeed(seed int64, epoch, position int) int64 {
	h := uint64(seed)
	h = mix64(h ^ (uint64(epoch)+1)*0x9E3779B97F4A7C15)
	h = mix64(h ^ (uint64(position)+1)*0xBF58476D1CE4E5B9)
	return int64(h & 0x7FFFFFFFFFFFFFFF)
}

func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
