package dataset

import "fmt"

// StructuralMismatchError reports a directory whose image and mask listings
// cannot be paired. It is fatal: the directory is unusable as a dataset.
type StructuralMismatchError struct {
	Dir    string
	Images int
	Masks  int
}

func (e *StructuralMismatchError) Error() string {
	return fmt.Sprintf("dataset %s: found %d images but %d masks", e.Dir, e.Images, e.Masks)
}
