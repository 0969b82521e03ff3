package dataset

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairedFolderNumericOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePairs(t, fs, "/data/a", []int{10, 2, 1}, 2, 2)
	writePNG(t, fs, "/data/a/image_extra.png", 2, 2, color.NRGBA{A: 255})
	require.NoError(t, afero.WriteFile(fs, "/data/a/notes.txt", []byte("x"), 0644))

	pf, err := NewPairedFolder(fs, "/data/a", PairedFolderOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, pf.Len())

	var got []string
	for i := 0; i < pf.Len(); i++ {
		img, mask, err := pf.Paths(i)
		require.NoError(t, err)
		got = append(got, filepath.Base(img)+"|"+filepath.Base(mask))
	}
	assert.Equal(t, []string{"image1.png|mask1.png", "image2.png|mask2.png", "image10.png|mask10.png"}, got)

	s, err := pf.Raw(2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, s.Image.Shape)
	assert.Equal(t, float32(10), s.Image.Data[0])
	assert.Equal(t, []int{2, 2, 2}, s.Label.Shape)
}

func TestPairedFolderMasksAlongside(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePNG(t, fs, "/d/image1.png", 3, 2, color.NRGBA{R: 1, A: 255})
	writePNG(t, fs, "/d/mask1.png", 3, 2, color.NRGBA{R: 255, A: 255})

	pf, err := NewPairedFolder(fs, "/d", PairedFolderOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, pf.Len())
	_, mask, _ := pf.Paths(0)
	assert.Equal(t, "/d/mask1.png", mask)
}

func TestPairedFolderThreshold(t *testing.T) {
	tests := []struct {
		name       string
		intensity  uint8
		foreground float32
		background float32
	}{
		{"Above", 200, 1, 0},
		{"JustAbove", 129, 1, 0},
		{"Exact", 128, 0, 0},
		{"Below", 127, 0, 1},
		{"Black", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writePNG(t, fs, "/d/image1.png", 2, 2, color.NRGBA{R: 5, G: 6, B: 7, A: 255})
			writePNG(t, fs, "/d/merged/mask1.png", 2, 2, color.NRGBA{R: tt.intensity, G: 255, B: 255, A: 255})

			pf, err := NewPairedFolder(fs, "/d", PairedFolderOptions{})
			require.NoError(t, err)
			s, err := pf.Raw(0)
			require.NoError(t, err)
			for p := 0; p < 4; p++ {
				assert.Equal(t, tt.foreground, s.Label.Data[p*2])
				assert.Equal(t, tt.background, s.Label.Data[p*2+1])
			}
		})
	}
}

func TestPairedFolderCountMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePairs(t, fs, "/d", []int{1, 2}, 2, 2)
	writePNG(t, fs, "/d/image3.png", 2, 2, color.NRGBA{A: 255})

	_, err := NewPairedFolder(fs, "/d", PairedFolderOptions{})
	require.Error(t, err)
	var mismatch *StructuralMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 3, mismatch.Images)
	assert.Equal(t, 2, mismatch.Masks)
	assert.True(t, IsStructuralMismatch(err))
}

func TestPairedFolderSizeMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePNG(t, fs, "/d/image1.png", 2, 2, color.NRGBA{A: 255})
	writePNG(t, fs, "/d/mask1.png", 3, 2, color.NRGBA{A: 255})
	pf, err := NewPairedFolder(fs, "/d", PairedFolderOptions{})
	require.NoError(t, err)
	_, err = pf.Raw(0)
	assert.Error(t, err)
}

func TestPairedFolderCorruptImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/d/image1.png", []byte("not a png"), 0644))
	writePNG(t, fs, "/d/mask1.png", 2, 2, color.NRGBA{A: 255})
	pf, err := NewPairedFolder(fs, "/d", PairedFolderOptions{})
	require.NoError(t, err)
	_, err = pf.Raw(0)
	assert.Error(t, err)
}

func TestPairedFolderCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePairs(t, fs, "/d", []int{1, 2}, 2, 2)
	cache, err := NewSampleCache(4)
	require.NoError(t, err)

	pf, err := NewPairedFolder(fs, "/d", PairedFolderOptions{Cache: cache})
	require.NoError(t, err)

	first, err := pf.Raw(0)
	require.NoError(t, err)
	first.Image.Data[0] = -1

	second, err := pf.Raw(0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), second.Image.Data[0], "cached samples must be copies")

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.Contains(t, stats.String(), "Hit Rate: 50.0%")
}
