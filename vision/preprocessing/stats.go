package preprocessing

import (
	"math/rand"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataset"
)

// Stats are per-channel normalization constants.
type Stats struct {
	Mean []float64
	Std  []float64
}

// ChannelStats computes the mean and standard deviation of every image
// channel, averaged over the per-image values. The dataset is expected to
// yield CHW images scaled to [0, 1], i.e. after ToTensor and before Normalize.
// Images are processed concurrently by maxWorkers goroutines.
func ChannelStats(ds dataset.Dataset, maxWorkers int) (*Stats, error) {
	n := ds.Len()
	if n == 0 {
		return nil, errors.New("cannot compute channel statistics of an empty dataset")
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	type perImage struct {
		mean []float64
		std  []float64
	}
	results := make([]perImage, n)
	errs := make([]error, n)

	jobs := make(chan int, n)
	var wg sync.WaitGroup
	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				s, err := ds.Get(i, rand.New(rand.NewSource(int64(i))))
				if err != nil {
					errs[i] = err
					continue
				}
				if s.Image.Rank() != 3 {
					errs[i] = errors.Errorf("image %d has shape %v, expected CHW", i, s.Image.Shape)
					continue
				}
				channels := s.Image.Shape[0]
				plane := s.Image.Height() * s.Image.Width()
				r := perImage{mean: make([]float64, channels), std: make([]float64, channels)}
				for c := 0; c < channels; c++ {
					data := make(stats.Float64Data, plane)
					for j, v := range s.Image.Data[c*plane : (c+1)*plane] {
						data[j] = float64(v)
					}
					if r.mean[c], err = stats.Mean(data); err != nil {
						break
					}
					if r.std[c], err = stats.StandardDeviation(data); err != nil {
						break
					}
				}
				results[i], errs[i] = r, err
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
	}

	channels := len(results[0].mean)
	out := &Stats{Mean: make([]float64, channels), Std: make([]float64, channels)}
	for c := 0; c < channels; c++ {
		means := make(stats.Float64Data, 0, n)
		stds := make(stats.Float64Data, 0, n)
		for i, r := range results {
			if len(r.mean) != channels {
				return nil, errors.Errorf("image %d has %d channels, expected %d", i, len(r.mean), channels)
			}
			means = append(means, r.mean[c])
			stds = append(stds, r.std[c])
		}
		var err error
		if out.Mean[c], err = stats.Mean(means); err != nil {
			return nil, err
		}
		if out.Std[c], err = stats.Mean(stds); err != nil {
			return nil, err
		}
	}
	return out, nil
}
