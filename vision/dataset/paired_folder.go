package dataset

import (
	"image"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/transforms"
)

// MaskSubdir is where masks live when a directory keeps them apart from the images.
const MaskSubdir = "merged"

// DefaultMaskThreshold splits mask intensities into foreground and background.
const DefaultMaskThreshold = 128

var (
	imagePattern = regexp.MustCompile(`^image(\d+)\.[A-Za-z0-9]+$`)
	maskPattern  = regexp.MustCompile(`^mask(\d+)\.[A-Za-z0-9]+$`)
)

// PairedFolderOptions configure a PairedFolder.
type PairedFolderOptions struct {
	// Threshold on mask channel 0. Zero means DefaultMaskThreshold, so a
	// threshold of zero cannot be requested.
	Threshold uint8
	// Cache of decoded samples; nil disables caching.
	Cache *SampleCache
}

// PairedFolder lists image<N>.<ext> files in a directory and pairs them, in
// numeric order, with mask<N>.<ext> files from the mask directory.
type PairedFolder struct {
	fs        afero.Fs
	dir       string
	maskDir   string
	images    []string
	masks     []string
	threshold uint8
	cache     *SampleCache
}

type numberedFile struct {
	name   string
	number int
}

// NewPairedFolder scans dir and returns the paired listing. Masks are read from
// dir/merged when that directory exists and from dir otherwise.
func NewPairedFolder(fs afero.Fs, dir string, opts PairedFolderOptions) (*PairedFolder, error) {
	maskDir := filepath.Join(dir, MaskSubdir)
	ok, err := afero.DirExists(fs, maskDir)
	if err != nil {
		return nil, errors.Wrapf(err, "checking mask directory %s", maskDir)
	}
	if !ok {
		maskDir = dir
	}

	images, err := listNumbered(fs, dir, imagePattern)
	if err != nil {
		return nil, err
	}
	masks, err := listNumbered(fs, maskDir, maskPattern)
	if err != nil {
		return nil, err
	}
	if len(images) != len(masks) {
		return nil, &StructuralMismatchError{Dir: dir, Images: len(images), Masks: len(masks)}
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultMaskThreshold
	}

	pf := &PairedFolder{
		fs:        fs,
		dir:       dir,
		maskDir:   maskDir,
		threshold: threshold,
		cache:     opts.Cache,
	}
	for i := range images {
		pf.images = append(pf.images, filepath.Join(dir, images[i].name))
		pf.masks = append(pf.masks, filepath.Join(maskDir, masks[i].name))
	}
	return pf, nil
}

func listNumbered(fs afero.Fs, dir string, pattern *regexp.Regexp) ([]numberedFile, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var files []numberedFile
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(info.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing number of %s", info.Name())
		}
		files = append(files, numberedFile{name: info.Name(), number: n})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].number != files[j].number {
			return files[i].number < files[j].number
		}
		return files[i].name < files[j].name
	})
	return files, nil
}

// Len returns the number of pairs.
func (pf *PairedFolder) Len() int {
	return len(pf.images)
}

// Dir returns the scanned directory.
func (pf *PairedFolder) Dir() string {
	return pf.dir
}

// Paths returns the image and mask paths of pair i.
func (pf *PairedFolder) Paths(index int) (string, string, error) {
	if index < 0 || index >= len(pf.images) {
		return "", "", errors.Errorf("index %d out of range [0, %d)", index, len(pf.images))
	}
	return pf.images[index], pf.masks[index], nil
}

// Raw decodes pair i into an HWC sample. The image holds RGB values in
// [0, 255]; the label has two channels: channel 0 is 1 where the mask's
// first channel is above the threshold, channel 1 is 1 where it is below,
// and both are 0 at exactly the threshold.
func (pf *PairedFolder) Raw(index int) (transforms.Sample, error) {
	imagePath, maskPath, err := pf.Paths(index)
	if err != nil {
		return transforms.Sample{}, err
	}
	if pf.cache != nil {
		if s, ok := pf.cache.Get(imagePath); ok {
			return s, nil
		}
	}

	img, err := pf.decode(imagePath)
	if err != nil {
		return transforms.Sample{}, err
	}
	mask, err := pf.decode(maskPath)
	if err != nil {
		return transforms.Sample{}, err
	}
	if img.Rect.Dx() != mask.Rect.Dx() || img.Rect.Dy() != mask.Rect.Dy() {
		return transforms.Sample{}, errors.Errorf("mask %s is %dx%d but image %s is %dx%d",
			maskPath, mask.Rect.Dx(), mask.Rect.Dy(), imagePath, img.Rect.Dx(), img.Rect.Dy())
	}

	s, err := pf.toSample(img, mask)
	if err != nil {
		return transforms.Sample{}, errors.Wrapf(err, "building sample %d of %s", index, pf.dir)
	}
	if pf.cache != nil {
		pf.cache.Put(imagePath, s)
	}
	return s, nil
}

func (pf *PairedFolder) decode(path string) (*image.NRGBA, error) {
	f, err := pf.fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return imaging.Clone(img), nil
}

func (pf *PairedFolder) toSample(img, mask *image.NRGBA) (transforms.Sample, error) {
	h, w := img.Rect.Dy(), img.Rect.Dx()
	pixels := make([]float32, h*w*3)
	label := make([]float32, h*w*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x+img.Rect.Min.X, y+img.Rect.Min.Y)
			o := (y*w + x) * 3
			pixels[o] = float32(img.Pix[i])
			pixels[o+1] = float32(img.Pix[i+1])
			pixels[o+2] = float32(img.Pix[i+2])

			v := mask.Pix[mask.PixOffset(x+mask.Rect.Min.X, y+mask.Rect.Min.Y)]
			l := (y*w + x) * 2
			if v > pf.threshold {
				label[l] = 1
			} else if v < pf.threshold {
				label[l+1] = 1
			}
		}
	}
	imageTensor, err := tensor.New([]int{h, w, 3}, pixels)
	if err != nil {
		return transforms.Sample{}, err
	}
	labelTensor, err := tensor.New([]int{h, w, 2}, label)
	if err != nil {
		return transforms.Sample{}, err
	}
	return transforms.Sample{Image: imageTensor, Label: labelTensor}, nil
}

// IsStructuralMismatch reports whether err came from an unpairable directory.
func IsStructuralMismatch(err error) bool {
	var target *StructuralMismatchError
	return errors.As(err, &target)
}
