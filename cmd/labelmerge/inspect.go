package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"labelmerge/pkg/record"
	"labelmerge/pkg/volumeio"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <record>",
		Short: "Validate a merge record and print its label table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := volumeio.ReadFile(cmd.Context(), args[0])
			if err != nil {
				return exitError(2, fmt.Errorf("failed to read record: %w", err))
			}
			doc, err := record.Unmarshal[string](data, record.FormatFromPath(args[0]))
			if err != nil {
				return exitError(2, fmt.Errorf("%s: %w", args[0], err))
			}
			return printRecord(cmd.OutOrStdout(), doc)
		},
	}
}

func printRecord(out io.Writer, doc *record.Document[string]) error {
	fmt.Fprintf(out, "Record %s (format %s), created %s\n", doc.RunID, doc.Version, humanize.Time(doc.Created))
	if doc.MergedVolume != "" {
		fmt.Fprintf(out, "Merged volume:  %s\n", doc.MergedVolume)
	}
	if doc.OverlapVolume != "" {
		fmt.Fprintf(out, "Overlap volume: %s\n", doc.OverlapVolume)
	}
	g := doc.Grid
	fmt.Fprintf(out, "Grid: %dx%dx%d voxels, spacing %v mm, origin %v\n",
		g.Dims[0], g.Dims[1], g.Dims[2], g.Spacing, g.Origin)
	fmt.Fprintf(out, "Overlapping voxels: %s\n", humanize.Comma(int64(doc.OverlapVoxels)))
	if len(doc.Dropped) > 0 {
		fmt.Fprintf(out, "Priorities without input: %s\n", strings.Join(doc.Dropped, ", "))
	}
	fmt.Fprintln(out)

	details := make(map[string]record.LabelDetail[string], len(doc.Details))
	for _, d := range doc.Details {
		details[d.Label] = d
	}

	// a decoded record maps values 1..N, each equal to its priority
	lookup := doc.Lookup()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VALUE\tLABEL\tNAME\tSOURCE VOXELS\tRETAINED\tSOURCE")
	for v := uint32(1); v <= uint32(len(lookup)); v++ {
		label := lookup[v]
		d := details[label]
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", v, label, d.Name,
			humanize.Comma(int64(d.SourceVoxels)), humanize.Comma(int64(d.RetainedVoxels)), d.Source)
	}
	return w.Flush()
}
