package library

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mezzanine-av/mezzanine/errors"
)

// InfoFileSuffix is appended to a file's basename to form its rename
// trace file: <basename>.mezzanine.info. Each line is one rename record
// of the form newname="originalname", appended every time the file is
// renamed, so the oldest original name survives arbitrary rename chains.
const InfoFileSuffix = ".mezzanine.info"

// infoFilePath returns the trace file path for the given media file.
func infoFilePath(mediaPath string) string {
	dir := filepath.Dir(mediaPath)
	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	return filepath.Join(dir, base+InfoFileSuffix)
}

// RecordRename appends a rename record mapping newPath's basename to
// the basename it replaced.
func RecordRename(newPath, originalName string) error {
	path := infoFilePath(newPath)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	record := fmt.Sprintf("%s=%q\n", filepath.Base(newPath), originalName)
	if _, err := f.WriteString(record); err != nil {
		return errors.Wrapf(err, "failed to append rename record to %s", path)
	}
	return nil
}

// OriginalName walks the rename chain recorded for mediaPath and
// returns the oldest original name. When no trace file exists the
// current basename is returned.
func OriginalName(mediaPath string) (string, error) {
	path := infoFilePath(mediaPath)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return filepath.Base(mediaPath), nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	// newname -> originalname, one entry per rename
	renames := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		newName := strings.TrimSpace(line[:eq])
		original := strings.Trim(strings.TrimSpace(line[eq+1:]), `"`)
		renames[newName] = original
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}

	// Follow the chain back from the current name. Guard against
	// cycles introduced by hand-edited files.
	name := filepath.Base(mediaPath)
	seen := map[string]bool{}
	for {
		original, ok := renames[name]
		if !ok || seen[name] {
			return name, nil
		}
		seen[name] = true
		name = original
	}
}
