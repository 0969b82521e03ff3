package dataset

import (
	"fmt"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// writePNG stores a w x h image of a single colour.
func writePNG(t *testing.T, fs afero.Fs, path string, w, h int, c color.NRGBA) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0755))
	f, err := fs.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, imaging.Encode(f, imaging.New(w, h, c), imaging.PNG))
}

// writePairs creates image<n>.png files in dir and mask<n>.png files in
// dir/merged. The image red channel and the mask intensity both encode n.
func writePairs(t *testing.T, fs afero.Fs, dir string, numbers []int, w, h int) {
	t.Helper()
	for _, n := range numbers {
		writePNG(t, fs, filepath.Join(dir, fmt.Sprintf("image%d.png", n)), w, h,
			color.NRGBA{R: uint8(n), G: 10, B: 20, A: 255})
		writePNG(t, fs, filepath.Join(dir, MaskSubdir, fmt.Sprintf("mask%d.png", n)), w, h,
			color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	}
}

func seq(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
