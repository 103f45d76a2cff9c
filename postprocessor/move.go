package postprocessor

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mezzanine-av/mezzanine/errors"
)

// destinationPath derives the move target: source directory + source
// stem + cache-path extension.
func destinationPath(sourceAbspath, cachePath string) string {
	dir := filepath.Dir(sourceAbspath)
	stem := strings.TrimSuffix(filepath.Base(sourceAbspath), filepath.Ext(sourceAbspath))
	ext := filepath.Ext(cachePath)
	return filepath.Join(dir, stem+ext)
}

// moveFile moves src to dst, falling back to copy+remove across
// filesystems. A missing source fails immediately without waiting.
func moveFile(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrResourceMissing, "cache artifact %s", src)
		}
		return errors.Wrapf(err, "failed to stat %s", src)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return errors.Wrapf(err, "failed to remove %s after copy", src)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrResourceMissing, "cache artifact %s", src)
		}
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return errors.Wrapf(err, "failed to copy %s to %s", src, dst)
	}
	return errors.Wrapf(out.Sync(), "failed to sync %s", dst)
}

// removeCacheDir deletes the per-task cache directory after a
// successful move. Opportunistic: failure is logged by the caller, not
// fatal.
func removeCacheDir(cachePath string) error {
	dir := filepath.Dir(cachePath)
	// Only remove directories the task itself created.
	if !strings.Contains(filepath.Base(dir), "mezzanine_file_conversion") {
		return nil
	}
	return os.RemoveAll(dir)
}
