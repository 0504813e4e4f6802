package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"labelmerge/internal/logging"
	"labelmerge/pkg/merge"
	"labelmerge/pkg/segfiles"
)

func newFindCmd(a *app) *cobra.Command {
	var dir, pattern, ext string
	var labels []string

	cmd := &cobra.Command{
		Use:   "find [labels...]",
		Short: "Find segmentation files for labels",
		Long: `Find the segmentation file for each label in a directory and print a JSON
object mapping label to file. Labels without exactly one match are left out
with a warning.`,
		Example: `  labelmerge find -d study/ 1 2 5
  labelmerge find -d study/ --pattern '%s_mask' --ext .nii lung heart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			labels = append(labels, args...)
			if dir == "" {
				dir = a.cfg.Input.SegDir
			}
			if dir == "" {
				return fmt.Errorf("%w: no directory to search (use --dir)", merge.ErrConfiguration)
			}
			if pattern == "" {
				pattern = a.cfg.Input.SegPattern
			}
			if ext == "" {
				ext = a.cfg.Input.Extension
			}
			logging.Debugf("Searching %s for labels %v", dir, labels)

			finder := &segfiles.Finder{Dir: dir, Pattern: pattern, Ext: ext, Reporter: logging.Default()}
			files, err := finder.Find(labels)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(files)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&dir, "dir", "d", "", "Directory to search")
	f.StringSliceVarP(&labels, "label", "l", nil, "Label to find a file for (repeatable)")
	f.StringVar(&pattern, "pattern", "", "File name pattern with %s for the label (default *seg-%s)")
	f.StringVar(&ext, "ext", "", "File extension (default .nii.gz)")
	return cmd
}
