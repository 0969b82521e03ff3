package training

import (
	"testing"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TZuanazzi/Liver-Segmentation-NN/checkpoints"
)

func TestPlotHistory(t *testing.T) {
	fs := afero.NewMemMapFs()
	history := &checkpoints.History{}
	for i := 0; i < 4; i++ {
		f := float64(i)
		history.Append(checkpoints.HistoryRow{AccValid: 50 + f, AccTest: 48 + f, Loss: 1 / (f + 1), DiceValid: 40 + f, DiceTest: 39 + f, TimeTaken: f})
	}
	require.NoError(t, PlotHistory(fs, "/plots/history.png", history))

	f, err := fs.Open("/plots/history.png")
	require.NoError(t, err)
	defer f.Close()
	img, err := imaging.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())
}

func TestPlotEmptyHistory(t *testing.T) {
	assert.Error(t, PlotHistory(afero.NewMemMapFs(), "/h.png", &checkpoints.History{}))
}
