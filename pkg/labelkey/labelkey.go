// Package labelkey reads label key files: a CSV with a header row followed by
// "label,name" rows that give each label value a human readable name.
package labelkey

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Key maps label identifiers to names
type Key map[string]string

// Read parses a key file. The first row is a header and is skipped. Extra
// columns are ignored.
func Read(r io.Reader) (Key, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	key := Key{}
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading label key: %w", err)
		}
		if row == 0 {
			continue
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < 2 {
			return nil, fmt.Errorf("label key line %d: expected label,name but got %d field(s)", line, len(rec))
		}
		label := strings.TrimSpace(rec[0])
		if label == "" {
			return nil, fmt.Errorf("label key line %d: empty label", line)
		}
		if prev, found := key[label]; found {
			return nil, fmt.Errorf("label key line %d: label %q already named %q", line, label, prev)
		}
		key[label] = strings.TrimSpace(rec[1])
	}
	return key, nil
}

// Load reads a key file from disk
func Load(path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening label key: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Name returns the name for label, or the label itself when it has none
func (k Key) Name(label string) string {
	if name, found := k[label]; found && name != "" {
		return name
	}
	return label
}
