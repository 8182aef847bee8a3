package utils

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFileAtomic replaces path with data. The content goes to a temporary
// file in the same directory which is synced and then renamed over path, so
// readers see either the old or the new file. Missing parent directories are
// created with 0700.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "[WriteFileAtomic] create directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "[WriteFileAtomic] create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "[WriteFileAtomic] chmod")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "[WriteFileAtomic] write")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "[WriteFileAtomic] sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "[WriteFileAtomic] close")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "[WriteFileAtomic] rename")
	}
	committed = true
	return nil
}
