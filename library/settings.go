package library

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/mezzanine-av/mezzanine/errors"
)

// SettingsFileName is the per-directory settings file dropped inside a
// library. The current format is JSON {section:{option:value}}; older
// installations wrote an INI file under the same name, which is
// migrated to JSON the first time it is read.
const SettingsFileName = ".mezzanine"

// DirSettings holds the per-directory overrides for a library path.
// Sections and options are case-insensitive and stored lowercase.
type DirSettings struct {
	path     string
	sections map[string]map[string]string
}

// LoadDirSettings reads the settings file from dir. A missing file
// yields an empty settings object. A legacy INI file is parsed,
// rewritten as JSON on disk, and returned.
func LoadDirSettings(dir string) (*DirSettings, error) {
	path := filepath.Join(dir, SettingsFileName)
	s := &DirSettings{path: path, sections: map[string]map[string]string{}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var parsed map[string]map[string]string
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
		for section, options := range parsed {
			section = strings.ToLower(section)
			s.sections[section] = map[string]string{}
			for option, value := range options {
				s.sections[section][strings.ToLower(option)] = value
			}
		}
		return s, nil
	}

	// Legacy INI format: parse and migrate to JSON in place.
	if err := s.parseINI(trimmed); err != nil {
		return nil, errors.Wrapf(err, "failed to parse legacy settings in %s", path)
	}
	if err := s.Save(); err != nil {
		return nil, errors.Wrap(err, "failed to migrate legacy settings to JSON")
	}
	return s, nil
}

// Get returns the value for section/option, with ok=false when unset.
// Lookup is case-insensitive.
func (s *DirSettings) Get(section, option string) (string, bool) {
	options, ok := s.sections[strings.ToLower(section)]
	if !ok {
		return "", false
	}
	value, ok := options[strings.ToLower(option)]
	return value, ok
}

// Set stores a value under lowercase section/option keys.
func (s *DirSettings) Set(section, option, value string) {
	section = strings.ToLower(section)
	if s.sections[section] == nil {
		s.sections[section] = map[string]string{}
	}
	s.sections[section][strings.ToLower(option)] = value
}

// Sections returns the underlying section map.
func (s *DirSettings) Sections() map[string]map[string]string {
	return s.sections
}

// Save writes the settings as pretty-printed JSON. The write path is
// JSON only; INI is read-path compatibility.
func (s *DirSettings) Save() error {
	data, err := json.MarshalIndent(s.sections, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal settings")
	}
	data = append(data, '\n')
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", s.path)
	}
	return nil
}

// parseINI handles the legacy two-level [section] option=value format.
// Comments (#, ;) and blank lines are skipped. Values may be quoted.
func (s *DirSettings) parseINI(content string) error {
	scanner := bufio.NewScanner(strings.NewReader(content))
	section := "default"
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return errors.Newf("malformed line: %q", line)
		}
		option := strings.ToLower(strings.TrimSpace(line[:eq]))
		value := strings.TrimSpace(line[eq+1:])
		value = strings.Trim(value, `"'`)
		s.Set(section, option, value)
	}
	return scanner.Err()
}
