package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1", 4)
	pb.Update(2, map[string]float64{"loss": 0.25, "acc": 90})
	pb.Finish()

	out := buf.String()
	assert.Contains(t, out, "Epoch 1:  50%")
	assert.Contains(t, out, "2/4")
	assert.Contains(t, out, "4/4")
	assert.Less(t, strings.Index(out, "acc=90"), strings.Index(out, "loss=0.25"))
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestProgressBarEmptyLoop(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Check acc", 0)
	pb.Finish()
	assert.Contains(t, buf.String(), "100%")
	NewProgressBar(nil, "discarded", 1).Finish()
}
