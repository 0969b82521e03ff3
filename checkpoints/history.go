package checkpoints

import (
	"bytes"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// HistoryFile is the metrics table written next to the checkpoints.
const HistoryFile = "dictionary.csv"

// HistoryRow is one line of the metrics table. Row 0 is measured before any
// training; row n follows epoch n.
type HistoryRow struct {
	AccValid  float64 `csv:"acc-valid"`
	AccTest   float64 `csv:"acc-test"`
	Loss      float64 `csv:"loss"`
	DiceValid float64 `csv:"dice score-valid"`
	DiceTest  float64 `csv:"dice score-test"`
	TimeTaken float64 `csv:"time taken"` // cumulative minutes
}

// History is the append-only metrics table of a run.
type History struct {
	Rows []HistoryRow
}

// LoadHistory reads a metrics table.
func LoadHistory(fs afero.Fs, path string) (*History, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading history %s", path)
	}
	var rows []HistoryRow
	if err := gocsv.Unmarshal(bytes.NewReader(data), &rows); err != nil {
		return nil, errors.Wrapf(err, "parsing history %s", path)
	}
	return &History{Rows: rows}, nil
}

// Save writes the table through a temporary file and rename.
func (h *History) Save(fs afero.Fs, path string) error {
	var buf bytes.Buffer
	if err := gocsv.Marshal(&h.Rows, &buf); err != nil {
		return errors.Wrap(err, "encoding history")
	}
	return writeAtomic(fs, path, buf.Bytes())
}

// Append adds a row.
func (h *History) Append(r HistoryRow) {
	h.Rows = append(h.Rows, r)
}

// Len returns the number of rows.
func (h *History) Len() int {
	return len(h.Rows)
}

// Last returns the final row, or a zero row when the table is empty.
func (h *History) Last() HistoryRow {
	if len(h.Rows) == 0 {
		return HistoryRow{}
	}
	return h.Rows[len(h.Rows)-1]
}

// Truncate keeps the first n rows.
func (h *History) Truncate(n int) {
	if n < len(h.Rows) {
		h.Rows = h.Rows[:n]
	}
}

// Column returns one metric across all rows, selected by its CSV header.
func (h *History) Column(name string) ([]float64, error) {
	out := make([]float64, len(h.Rows))
	for i, r := range h.Rows {
		switch name {
		case "acc-valid":
			out[i] = r.AccValid
		case "acc-test":
			out[i] = r.AccTest
		case "loss":
			out[i] = r.Loss
		case "dice score-valid":
			out[i] = r.DiceValid
		case "dice score-test":
			out[i] = r.DiceTest
		case "time taken":
			out[i] = r.TimeTaken
		default:
			return nil, errors.Errorf("unknown history column %q", name)
		}
	}
	return out, nil
}

// Columns lists the CSV headers in file order.
func Columns() []string {
	return []string{"acc-valid", "acc-test", "loss", "dice score-valid", "dice score-test", "time taken"}
}
