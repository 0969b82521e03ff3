package checkpoints

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCheckpointExists is returned when saving would overwrite an existing checkpoint.
var ErrCheckpointExists = errors.New("checkpoint already exists")

// CorruptCheckpointError reports a checkpoint that cannot be decoded or does
// not match the model it is restored into. It is never retried.
type CorruptCheckpointError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptCheckpointError) Error() string {
	msg := "corrupt checkpoint"
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CorruptCheckpointError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err is, or wraps, a CorruptCheckpointError.
func IsCorrupt(err error) bool {
	var target *CorruptCheckpointError
	return errors.As(err, &target)
}
