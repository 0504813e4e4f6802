// Package segfiles locates per-label segmentation files in a directory by
// naming convention, e.g. case01_seg-5.nii.gz for label 5.
package segfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"labelmerge/pkg/merge"
)

// DefaultPattern matches any prefix followed by "seg-<label>".
const DefaultPattern = "*seg-%s"

// DefaultExtension is the extension of compressed NIfTI files.
const DefaultExtension = ".nii.gz"

// Finder matches labels to files in Dir
type Finder struct {
	Dir string

	// Pattern is a glob with one %s for the label; empty uses DefaultPattern.
	Pattern string

	// Ext is appended to the pattern; empty uses DefaultExtension.
	Ext string

	// Reporter receives a warning for every label without exactly one match.
	Reporter merge.Reporter
}

// Find returns the file for each label that matches exactly one file.
// Labels with no match or several matches are left out and reported.
func (f *Finder) Find(labels []string) (map[string]string, error) {
	info, err := os.Stat(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("segmentation directory %q: %w", f.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("segmentation directory %q is not a directory", f.Dir)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: no labels to find files for", merge.ErrConfiguration)
	}

	pattern := f.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	if strings.Count(pattern, "%s") != 1 {
		return nil, fmt.Errorf("%w: file pattern %q must contain %%s exactly once", merge.ErrConfiguration, pattern)
	}
	ext := f.Ext
	if ext == "" {
		ext = DefaultExtension
	}

	files := make(map[string]string, len(labels))
	for _, label := range labels {
		glob := filepath.Join(f.Dir, fmt.Sprintf(pattern, escapeGlob(label))+escapeGlob(ext))
		matches, err := filepath.Glob(glob)
		if err != nil {
			return nil, fmt.Errorf("bad file pattern for label %q: %w", label, err)
		}
		switch len(matches) {
		case 1:
			files[label] = matches[0]
		case 0:
			f.warnf("no segmentation file for label %q matches %s", label, glob)
		default:
			sort.Strings(matches)
			f.warnf("label %q matches %d files (%s); skipping it", label, len(matches), strings.Join(matches, ", "))
		}
	}
	return files, nil
}

func (f *Finder) warnf(format string, args ...interface{}) {
	if f.Reporter != nil {
		f.Reporter.Warningf(format, args...)
	}
}

// escapeGlob quotes the characters filepath.Match treats specially
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			sb.WriteByte('[')
			sb.WriteRune(r)
			sb.WriteByte(']')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
