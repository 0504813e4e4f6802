package segfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelmerge/pkg/merge"
)

type recorder struct {
	warnings []string
}

func (r *recorder) Warningf(format string, args ...interface{}) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func touch(t *testing.T, dir string, names ...string) {
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"case01_seg-1.nii.gz",
		"case01_seg-11.nii.gz",
		"case01_seg-2.nii.gz",
		"case02_seg-2.nii.gz",
		"case01_seg-3.nii",
	)

	rec := &recorder{}
	f := &Finder{Dir: dir, Reporter: rec}
	files, err := f.Find([]string{"1", "2", "3", "11"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"1":  filepath.Join(dir, "case01_seg-1.nii.gz"),
		"11": filepath.Join(dir, "case01_seg-11.nii.gz"),
	}, files)
	require.Len(t, rec.warnings, 2)
	assert.Contains(t, rec.warnings[0], `label "2" matches 2 files`)
	assert.Contains(t, rec.warnings[1], `no segmentation file for label "3"`)
}

func TestFindCustomPatternAndExt(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "lung_mask.nii", "heart_mask.nii", "lung_mask.nii.gz")

	f := &Finder{Dir: dir, Pattern: "%s_mask", Ext: ".nii"}
	files, err := f.Find([]string{"lung", "heart", "liver"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"lung":  filepath.Join(dir, "lung_mask.nii"),
		"heart": filepath.Join(dir, "heart_mask.nii"),
	}, files)
}

func TestFindEscapesLabels(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "x_seg-a.nii.gz", "x_seg-b.nii.gz")

	files, err := (&Finder{Dir: dir}).Find([]string{"*", "?"})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFindErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := (&Finder{Dir: filepath.Join(dir, "missing")}).Find([]string{"1"})
	assert.ErrorIs(t, err, os.ErrNotExist)

	touch(t, dir, "file")
	_, err = (&Finder{Dir: filepath.Join(dir, "file")}).Find([]string{"1"})
	assert.ErrorContains(t, err, "not a directory")

	_, err = (&Finder{Dir: dir}).Find(nil)
	assert.ErrorIs(t, err, merge.ErrConfiguration)

	_, err = (&Finder{Dir: dir, Pattern: "seg"}).Find([]string{"1"})
	assert.ErrorIs(t, err, merge.ErrConfiguration)
}
