package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DefaultPrefix names checkpoint files my_checkpoint<epoch>.<ext>.
const DefaultPrefix = "my_checkpoint"

// Store persists checkpoints in one directory, one file per epoch.
// Files are written once and never overwritten.
type Store struct {
	fs     afero.Fs
	dir    string
	format CheckpointFormat
	prefix string
	logger *zap.SugaredLogger
}

// Entry is a checkpoint file found in a store directory.
type Entry struct {
	Epoch  int
	Path   string
	Format CheckpointFormat
}

// NewStore creates a store rooted at dir.
func NewStore(fs afero.Fs, dir string, format CheckpointFormat, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{fs: fs, dir: dir, format: format, prefix: DefaultPrefix, logger: logger}
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the checkpoint of epoch is stored.
func (s *Store) Path(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d.%s", s.prefix, epoch, s.format.Extension()))
}

// Save writes c as the checkpoint of c.TrainingState.Epoch. It fails with
// ErrCheckpointExists rather than replace an existing file. The data goes to
// a temporary file first and is renamed into place, so a failed save leaves
// no partial checkpoint behind.
//
// A store directory has a single writer. The target is checked again right
// before the rename, but afero has no exclusive rename, so two processes
// saving the same epoch can still race.
func (s *Store) Save(c *Checkpoint) (string, error) {
	path := s.Path(c.TrainingState.Epoch)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return "", errors.Wrapf(err, "checking %s", path)
	}
	if exists {
		return "", errors.Wrap(ErrCheckpointExists, path)
	}

	c.stampMetadata()
	data, err := Encode(c, s.format)
	if err != nil {
		return "", errors.Wrapf(err, "saving checkpoint %s", path)
	}
	if err := writeAtomic(s.fs, path, data); err != nil {
		return "", errors.Wrap(err, "failed to save checkpoint")
	}
	s.logger.Infow("saved checkpoint", "path", path, "epoch", c.TrainingState.Epoch, "size", humanize.Bytes(uint64(len(data))))
	return path, nil
}

// Load reads the checkpoint at path, inferring the format from its extension.
func (s *Store) Load(path string) (*Checkpoint, error) {
	format := s.format
	switch filepath.Ext(path) {
	case ".json":
		format = FormatJSON
	case ".pb":
		format = FormatProto
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint file %s", path)
	}
	c, err := Decode(data, format)
	if err != nil {
		var corrupt *CorruptCheckpointError
		if errors.As(err, &corrupt) {
			corrupt.Path = path
		}
		return nil, err
	}
	s.logger.Infow("loaded checkpoint", "path", path, "epoch", c.TrainingState.Epoch)
	return c, nil
}

// LoadEpoch loads the checkpoint saved for epoch.
func (s *Store) LoadEpoch(epoch int) (*Checkpoint, error) {
	return s.Load(s.Path(epoch))
}

// List returns every checkpoint in the directory ordered by epoch.
func (s *Store) List() ([]Entry, error) {
	return ListDir(s.fs, s.dir)
}

var checkpointName = regexp.MustCompile(`^` + DefaultPrefix + `(\d+)\.(json|pb)$`)

// ListDir returns the checkpoints found in dir, ordered by epoch.
func ListDir(fs afero.Fs, dir string) ([]Entry, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var entries []Entry
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		m := checkpointName.FindStringSubmatch(info.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		format := FormatJSON
		if m[2] == "pb" {
			format = FormatProto
		}
		entries = append(entries, Entry{Epoch: epoch, Path: filepath.Join(dir, info.Name()), Format: format})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Epoch != entries[j].Epoch {
			return entries[i].Epoch < entries[j].Epoch
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// writeAtomic writes data next to path and renames it into place. It fails
// with ErrCheckpointExists if path appeared while data was being written.
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating directory %s", dir)
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return errors.Wrapf(err, "closing %s", tmpName)
	}
	exists, err := afero.Exists(fs, path)
	if err == nil && exists {
		err = errors.Wrap(ErrCheckpointExists, path)
	}
	if err != nil {
		fs.Remove(tmpName)
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return errors.Wrapf(err, "renaming %s to %s", tmpName, path)
	}
	return nil
}
