package filestore

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/wire"
)

// DefaultPath is the well-known location of the cached permutation run.
const DefaultPath = "data/permutations.json"

// RunStore keeps the cached permutation run in a single JSON file.
type RunStore struct {
	path string
}

// NewRunStore creates a file store; an empty path selects DefaultPath
func NewRunStore(path string) *RunStore {
	if path == "" {
		path = DefaultPath
	}
	return &RunStore{path: path}
}

// Path returns the file location of the store
func (s *RunStore) Path() string {
	return s.path
}

// Load reads and decodes the stored run
func (s *RunStore) Load(ctx context.Context) (experiment.PermutationRun, error) {
	if err := ctx.Err(); err != nil {
		return experiment.PermutationRun{}, err
	}
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return experiment.PermutationRun{}, errors.NotFound(fmt.Sprintf("permutation run at %s", s.path))
	}
	if err != nil {
		return experiment.PermutationRun{}, errors.Wrapf(err, "failed to open %s", s.path)
	}
	defer f.Close()

	doc, err := wire.DecodeRun(bufio.NewReader(f))
	if err != nil {
		return experiment.PermutationRun{}, errors.Wrapf(err, "failed to read %s", s.path)
	}
	return doc.ToRun(), nil
}

// Save writes the run to a temporary file and renames it over the store so readers
// never see a partial document.
func (s *RunStore) Save(ctx context.Context, run experiment.PermutationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".permutations-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary run file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := wire.EncodeRun(w, run); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write run file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close run file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrapf(err, "failed to move run file to %s", s.path)
	}
	return nil
}

// Delete removes the stored run
func (s *RunStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %s", s.path)
	}
	return nil
}
