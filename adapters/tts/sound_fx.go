package tts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SoundLibrary indexes the wav files of a directory by base name
type SoundLibrary struct {
	files map[string]string
}

// LoadSoundLibrary scans dir for *.wav files. A missing directory yields an
// empty library.
func LoadSoundLibrary(dir string) (*SoundLibrary, error) {
	lib := &SoundLibrary{files: make(map[string]string)}
	if dir == "" {
		return lib, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return nil, fmt.Errorf("failed to read sounds directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		lib.files[name] = filepath.Join(dir, entry.Name())
	}
	return lib, nil
}

// Names returns the sound names in sorted order
func (l *SoundLibrary) Names() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.files))
	for name := range l.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path resolves a sound name, with or without the .wav extension
func (l *SoundLibrary) Path(name string) (string, bool) {
	if l == nil {
		return "", false
	}
	path, ok := l.files[strings.TrimSuffix(strings.TrimSpace(name), ".wav")]
	return path, ok
}
