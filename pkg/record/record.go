package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"labelmerge/internal/models"
	"labelmerge/pkg/merge"
)

// FormatVersion is the version of the document layout written by Encode.
// Decode accepts any document with the same major version.
const FormatVersion = "1.0.0"

var formatVersion = semver.MustParse(FormatVersion)

// Format selects the serialization of a record document
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("unknown record format %q (must be json or yaml)", s)
	}
}

// Ext returns the file extension written for the format
func (f Format) Ext() string {
	if f == YAML {
		return ".yaml"
	}
	return ".json"
}

// FormatFromPath picks the format from a file extension, defaulting to JSON
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return JSON
	}
}

// GridInfo is the grid every input shared
type GridInfo struct {
	Dims      [3]int     `json:"dimensions" yaml:"dimensions"`
	Spacing   [3]float64 `json:"spacing" yaml:"spacing"`
	Origin    [3]float64 `json:"origin" yaml:"origin"`
	Direction [9]float64 `json:"direction" yaml:"direction"`
}

// LabelDetail carries per-label information that is not part of the
// relabeling itself.
type LabelDetail[L comparable] struct {
	Label          L      `json:"label" yaml:"label"`
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	Source         string `json:"source,omitempty" yaml:"source,omitempty"`
	SourceVoxels   int    `json:"source_voxels" yaml:"source_voxels"`
	RetainedVoxels int    `json:"retained_voxels" yaml:"retained_voxels"`
}

// Document is the persisted description of one merge. Entries is the
// merge record in rank order and is the only way to trace output values
// back to the original labels.
type Document[L comparable] struct {
	Version       string           `json:"version" yaml:"version"`
	RunID         string           `json:"run_id" yaml:"run_id"`
	Created       time.Time        `json:"created" yaml:"created"`
	MergedVolume  string           `json:"merged_volume,omitempty" yaml:"merged_volume,omitempty"`
	OverlapVolume string           `json:"overlap_volume,omitempty" yaml:"overlap_volume,omitempty"`
	Grid          GridInfo         `json:"grid" yaml:"grid"`
	Entries       merge.Record[L]  `json:"labels" yaml:"labels"`
	Details       []LabelDetail[L] `json:"details,omitempty" yaml:"details,omitempty"`
	Dropped       []L              `json:"dropped_priorities,omitempty" yaml:"dropped_priorities,omitempty"`
	OverlapVoxels int              `json:"overlap_voxels" yaml:"overlap_voxels"`
}

// NewDocument describes a merge result. names and sources are optional
// lookups for the label details.
func NewDocument[L comparable](res *merge.Result[L], names map[L]string, sources map[L]string) *Document[L] {
	doc := &Document[L]{
		Version:       FormatVersion,
		RunID:         uuid.NewString(),
		Created:       time.Now().UTC().Truncate(time.Second),
		Grid:          gridInfo(res.Merged.Grid),
		Entries:       append(merge.Record[L](nil), res.Record...),
		OverlapVoxels: res.OverlapVoxels,
	}
	for _, st := range res.Stats {
		doc.Details = append(doc.Details, LabelDetail[L]{
			Label:          st.Label,
			Name:           names[st.Label],
			Source:         sources[st.Label],
			SourceVoxels:   st.SourceVoxels,
			RetainedVoxels: st.RetainedVoxels,
		})
	}
	for _, w := range res.Sequence.Dropped {
		doc.Dropped = append(doc.Dropped, w.Label)
	}
	return doc
}

func gridInfo(g models.Grid) GridInfo {
	return GridInfo{Dims: g.Dims, Spacing: g.Spacing, Origin: g.Origin, Direction: g.Direction}
}

// Encode writes the document. Entries are written in the order held.
func Encode[L comparable](w io.Writer, doc *Document[L], format Format) error {
	switch format {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("error encoding record as json: %w", err)
		}
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("error encoding record as yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("error encoding record as yaml: %w", err)
		}
	default:
		return fmt.Errorf("unknown record format %q", format)
	}
	return nil
}

// Marshal encodes the document into a byte slice
func Marshal[L comparable](doc *Document[L], format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, doc, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads and validates a document written by Encode.
func Decode[L comparable](r io.Reader, format Format) (*Document[L], error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading record: %w", err)
	}

	doc := &Document[L]{}
	switch format {
	case JSON:
		if err := validateJSON(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("error parsing record: %w", err)
		}
	case YAML:
		if err := yaml.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("error parsing record: %w", err)
		}
		// validate the same shape the JSON form would have
		asJSON, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("error parsing record: %w", err)
		}
		if err := validateJSON(asJSON); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown record format %q", format)
	}

	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	if err := checkEntries(doc.Entries); err != nil {
		return nil, err
	}
	return doc, nil
}

// Unmarshal decodes a document from a byte slice
func Unmarshal[L comparable](data []byte, format Format) (*Document[L], error) {
	return Decode[L](bytes.NewReader(data), format)
}

func checkVersion(v string) error {
	ver, err := semver.Make(v)
	if err != nil {
		return fmt.Errorf("record has invalid version %q: %w", v, err)
	}
	if ver.Major != formatVersion.Major {
		return fmt.Errorf("record version %s is not compatible with %s", ver, formatVersion)
	}
	return nil
}

// checkEntries enforces rank order: entry i has priority i+1, and its output
// value is its priority.
func checkEntries[L comparable](entries merge.Record[L]) error {
	seen := make(map[L]bool, len(entries))
	for i, e := range entries {
		if e.Priority != i+1 {
			return fmt.Errorf("record entry %d has priority %d; entries must be in rank order", i, e.Priority)
		}
		if e.RelabeledValue != uint32(e.Priority) {
			return fmt.Errorf("record entry %d maps label %v to value %d, not its priority %d",
				i, e.OriginalLabel, e.RelabeledValue, e.Priority)
		}
		if seen[e.OriginalLabel] {
			return fmt.Errorf("record lists label %v more than once", e.OriginalLabel)
		}
		seen[e.OriginalLabel] = true
	}
	return nil
}

// Lookup maps relabeled output values back to original labels
func (d *Document[L]) Lookup() map[uint32]L {
	m := make(map[uint32]L, len(d.Entries))
	for _, e := range d.Entries {
		m[e.RelabeledValue] = e.OriginalLabel
	}
	return m
}
