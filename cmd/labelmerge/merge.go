package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"labelmerge/internal/logging"
	"labelmerge/internal/models"
	"labelmerge/pkg/labelkey"
	"labelmerge/pkg/merge"
	"labelmerge/pkg/record"
	"labelmerge/pkg/segfiles"
	"labelmerge/pkg/visualization"
	"labelmerge/pkg/volumeio"
)

type mergeOptions struct {
	inputs      []string
	segDir      string
	output      string
	overlap     string
	noOverlap   bool
	recordPath  string
	priority    []string
	workers     int
	keyPath     string
	previewDir  string
	previewAxis string
}

// inputSpec is one label and the location of its segmentation
type inputSpec struct {
	Label string
	Path  string
}

func newMergeCmd(a *app) *cobra.Command {
	opts := &mergeOptions{}
	cmd := &cobra.Command{
		Use:   "merge [labels...]",
		Short: "Merge segmentation volumes into one label volume",
		Long: `Merge single-structure segmentation volumes into one label volume.

Inputs are given as --input path=label pairs, or found in --seg-dir by label
(labels from the arguments, --priority, or the config priorities). Voxel
values in the output are priority ranks 1..N; the record written next to the
output maps each rank back to its label. Inputs must share one voxel grid.`,
		Example: `  labelmerge merge -i lung.nii.gz=lung -i heart.nii.gz=heart -o merged.nii.gz
  labelmerge merge --seg-dir study/ --priority 1,2,5 -o gs://bucket/case1/merged.nii.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runMerge(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.inputs, "input", "i", nil, "Segmentation volume as path=label (repeatable)")
	f.StringVarP(&opts.segDir, "seg-dir", "d", "", "Directory searched for *seg-<label> files")
	f.StringVarP(&opts.output, "output", "o", "merged.nii.gz", "Merged label volume (path or bucket URL)")
	f.StringVar(&opts.overlap, "overlap", "", "Overlap volume (default <output>_overlap.nii.gz when tracking)")
	f.BoolVar(&opts.noOverlap, "no-overlap", false, "Do not compute the overlap volume")
	f.StringVar(&opts.recordPath, "record", "", "Merge record, .json or .yaml (default <output> with the extension of output.recordFormat)")
	f.StringSliceVarP(&opts.priority, "priority", "p", nil, "Labels from lowest to highest priority")
	f.IntVarP(&opts.workers, "workers", "w", 0, "Goroutines used for the merge (default from config)")
	f.StringVarP(&opts.keyPath, "key", "k", "", "CSV of label,name used to name labels in the record")
	f.StringVar(&opts.previewDir, "preview-dir", "", "Write PNG slices of the merged volume here")
	f.StringVar(&opts.previewAxis, "preview-axis", "", "Axis for preview slices: x, y or z")
	return cmd
}

// parseInputs splits path=label pairs. The label follows the last '='.
func parseInputs(pairs []string) ([]inputSpec, error) {
	specs := make([]inputSpec, 0, len(pairs))
	for _, pair := range pairs {
		i := strings.LastIndex(pair, "=")
		if i <= 0 || i == len(pair)-1 {
			return nil, fmt.Errorf("%w: input %q must be path=label", merge.ErrConfiguration, pair)
		}
		specs = append(specs, inputSpec{Path: pair[:i], Label: pair[i+1:]})
	}
	return specs, checkUnique(specs)
}

// checkUnique rejects repeated labels or paths before anything is loaded
func checkUnique(specs []inputSpec) error {
	labels := make(map[string]bool, len(specs))
	paths := make(map[string]string, len(specs))
	for _, s := range specs {
		if labels[s.Label] {
			return fmt.Errorf("%w: label %q is given more than once", merge.ErrConfiguration, s.Label)
		}
		if other, found := paths[s.Path]; found {
			return fmt.Errorf("%w: %s is given for labels %q and %q", merge.ErrConfiguration, s.Path, other, s.Label)
		}
		labels[s.Label] = true
		paths[s.Path] = s.Label
	}
	return nil
}

// siblingPath replaces the volume extension of ref with suffix
func siblingPath(ref, suffix string) string {
	base := ref
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	return base + suffix
}

// resolveInputs returns the explicit inputs or, failing that, the files
// found in the segmentation directory.
func (a *app) resolveInputs(opts *mergeOptions, args []string) ([]inputSpec, error) {
	specs, err := parseInputs(opts.inputs)
	if err != nil || len(specs) > 0 {
		return specs, err
	}

	dir := opts.segDir
	if dir == "" {
		dir = a.cfg.Input.SegDir
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: no inputs (use --input path=label or --seg-dir)", merge.ErrConfiguration)
	}

	labels := args
	if len(labels) == 0 {
		labels = opts.priority
	}
	if len(labels) == 0 {
		labels = a.cfg.PriorityLabels()
	}
	finder := &segfiles.Finder{
		Dir:      dir,
		Pattern:  a.cfg.Input.SegPattern,
		Ext:      a.cfg.Input.Extension,
		Reporter: logging.Default(),
	}
	files, err := finder.Find(labels)
	if err != nil {
		return nil, err
	}
	for _, label := range labels {
		if path, found := files[label]; found {
			specs = append(specs, inputSpec{Label: label, Path: path})
		}
	}
	return specs, checkUnique(specs)
}

// loadVolumes reads every input concurrently. The first failure cancels the
// remaining loads.
func loadVolumes(ctx context.Context, specs []inputSpec, limit int) ([]*models.Volume, error) {
	vols := make([]*models.Volume, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, s := range specs {
		i, s := i, s
		g.Go(func() error {
			timedLog := logging.NewTimeLog()
			vol, err := volumeio.Load(ctx, s.Path, s.Label)
			if err != nil {
				return err
			}
			timedLog.Debugf("loaded label %q from %s (%s, %s foreground voxels)", s.Label, s.Path,
				vol.Grid, humanize.Comma(int64(vol.CountNonZero())))
			vols[i] = vol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vols, nil
}

func (a *app) prioritySpec(opts *mergeOptions) *merge.PrioritySpec[string] {
	if len(opts.priority) > 0 {
		return merge.InOrder(opts.priority...)
	}
	if ranks := a.cfg.PriorityMap(); ranks != nil {
		return merge.ByRank(ranks)
	}
	return nil
}

// recordTarget picks where the merge record goes and how it is encoded. The
// file extension always names the format so inspect can read it back.
func (a *app) recordTarget(opts *mergeOptions) (string, record.Format, error) {
	format := record.JSON
	if a.cfg.Output.RecordFormat != "" {
		var err error
		if format, err = record.ParseFormat(a.cfg.Output.RecordFormat); err != nil {
			return "", "", fmt.Errorf("%w: %v", merge.ErrConfiguration, err)
		}
	}
	if opts.recordPath == "" {
		return siblingPath(opts.output, format.Ext()), format, nil
	}
	fromPath := record.FormatFromPath(opts.recordPath)
	if a.cfg.Output.RecordFormat != "" && fromPath != format {
		return "", "", fmt.Errorf("%w: record %s is not a %s file as output.recordFormat requires",
			merge.ErrConfiguration, opts.recordPath, format)
	}
	return opts.recordPath, fromPath, nil
}

func (a *app) runMerge(ctx context.Context, out io.Writer, opts *mergeOptions, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	specs, err := a.resolveInputs(opts, args)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return merge.ErrEmptyInput
	}
	recordPath, format, err := a.recordTarget(opts)
	if err != nil {
		return err
	}

	var names labelkey.Key
	keyPath := opts.keyPath
	if keyPath == "" {
		keyPath = a.cfg.Input.KeyFile
	}
	if keyPath != "" {
		if names, err = labelkey.Load(keyPath); err != nil {
			return exitError(2, err)
		}
	}

	workers := opts.workers
	if workers <= 0 {
		workers = a.cfg.Merge.NumWorkers
	}

	logging.Infof("Loading %d segmentation volumes...", len(specs))
	vols, err := loadVolumes(ctx, specs, workers)
	if err != nil {
		return err
	}

	set := merge.NewSet[string]()
	sources := make(map[string]string, len(specs))
	for i, s := range specs {
		if err := set.Add(s.Label, vols[i]); err != nil {
			return err
		}
		sources[s.Label] = vols[i].Source
	}
	logging.Debugf("Input volumes hold %s in memory", humanize.Bytes(uint64(size.Of(vols))))

	overlapPath := opts.overlap
	track := !opts.noOverlap && (overlapPath != "" || a.cfg.Merge.TrackOverlap)
	if track && overlapPath == "" {
		overlapPath = siblingPath(opts.output, "_overlap.nii.gz")
	}

	timedLog := logging.NewTimeLog()
	res, err := merge.Merge(set, merge.Options[string]{
		Priority:     a.prioritySpec(opts),
		TrackOverlap: track,
		Workers:      workers,
		Reporter:     logging.Default(),
	})
	var gerr *merge.GeometryMismatchError[string]
	if errors.As(err, &gerr) {
		logging.Errorf("Labels not on the grid of %q: %s", gerr.Reference, strings.Join(gerr.Labels(), ", "))
	}
	if err != nil {
		return err
	}
	timedLog.Infof("Merged %d labels on %s grid", len(res.Record), res.Merged.Grid)

	if err := volumeio.Save(ctx, opts.output, res.Merged); err != nil {
		return err
	}
	if track {
		if err := volumeio.Save(ctx, overlapPath, res.Overlap); err != nil {
			return err
		}
	}

	doc := record.NewDocument(res, map[string]string(names), sources)
	doc.MergedVolume = opts.output
	if track {
		doc.OverlapVolume = overlapPath
	}
	if err := volumeio.WriteFile(ctx, recordPath, func(w io.Writer) error {
		return record.Encode(w, doc, format)
	}); err != nil {
		return err
	}

	previewDir := opts.previewDir
	if previewDir == "" {
		previewDir = a.cfg.Output.PreviewDir
	}
	if previewDir != "" {
		axis := opts.previewAxis
		if axis == "" {
			axis = a.cfg.Output.PreviewAxis
		}
		n, err := visualization.NewViewer(res.Merged).SaveSliceSequence(axis, previewDir)
		if err != nil {
			logging.Warningf("Failed to save %s-axis previews: %v", axis, err)
		} else {
			logging.Infof("Saved %d preview slices to %s", n, previewDir)
		}
	}

	fmt.Fprintf(out, "Merge completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Fprintf(out, "Merged volume: %s\n", opts.output)
	if track {
		fmt.Fprintf(out, "Overlap volume: %s (%s voxels claimed more than once)\n",
			overlapPath, humanize.Comma(int64(res.OverlapVoxels)))
	}
	fmt.Fprintf(out, "Merge record: %s\n", recordPath)
	hist := res.Merged.Histogram()
	fmt.Fprintf(out, "Labelled voxels: %s of %s\n",
		humanize.Comma(int64(res.Merged.Grid.NumVoxels()-hist[0])), humanize.Comma(int64(res.Merged.Grid.NumVoxels())))
	for i, e := range res.Record {
		fmt.Fprintf(out, "  %3d  %-20s %s of %s voxels kept\n", e.RelabeledValue, names.Name(e.OriginalLabel),
			humanize.Comma(int64(hist[e.RelabeledValue])), humanize.Comma(int64(res.Stats[i].SourceVoxels)))
	}
	return nil
}
