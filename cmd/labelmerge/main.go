// Command labelmerge merges single-structure segmentation volumes into one
// multi-label volume using an explicit priority order.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/blang/semver"
	"github.com/spf13/cobra"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"labelmerge/internal/logging"
	"labelmerge/pkg/config"
	"labelmerge/pkg/merge"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.3.0"

// exitCodeError carries the process exit code for a failed command
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}

// exitCode maps errors to exit codes: 2 for bad invocations or inputs the
// caller must fix, 1 for anything else.
func exitCode(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	switch {
	case errors.Is(err, merge.ErrConfiguration),
		errors.Is(err, merge.ErrGeometryMismatch),
		errors.Is(err, merge.ErrMissingInput):
		return 2
	default:
		return 1
	}
}

// app holds state shared by all subcommands
type app struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.DefaultConfig()}

	v, err := semver.Make(version)
	if err != nil {
		v = semver.MustParse("0.0.0-dev")
	}

	root := &cobra.Command{
		Use:   "labelmerge",
		Short: "Merge single-structure segmentations into one label volume",
		Long: `labelmerge combines several binary segmentation volumes that share one
voxel grid into a single label volume. Where structures overlap, the label
with the higher priority wins. A merge record maps every output value back
to the original label.`,
		Version:           v.String(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Run configuration file (.yaml, .yml or .toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose (debug) logging")

	root.AddCommand(newMergeCmd(a))
	root.AddCommand(newFindCmd(a))
	root.AddCommand(newInspectCmd(a))
	root.AddCommand(newConfigCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if a.configPath != "" {
		if _, err := os.Stat(a.configPath); err != nil {
			return exitError(2, fmt.Errorf("config file: %w", err))
		}
		cfg, err := config.LoadConfig(a.configPath)
		if err != nil {
			return exitError(2, err)
		}
		a.cfg = cfg
	}
	logging.SetVerbose(a.verbose || a.cfg.Output.Verbose)
	a.cfg.Log.SetLogger()
	logging.Debugf("labelmerge %s", cmd.Root().Version)
	return nil
}

// execute runs cmd and closes the log file whether or not the command failed.
func execute(cmd *cobra.Command) error {
	defer logging.Shutdown()
	return cmd.Execute()
}

func main() {
	if err := execute(newRootCmd()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
