// Package cli implements jumbomemctl's cobra command tree: status,
// doctor, and config, adapted from the teacher's internal/cmd root/doctor
// structure.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jumbomem/jumbomem-go/internal/output"
)

var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	sockFlag    string
)

// NewRootCmd builds the full jumbomemctl command tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addStatusCommand(cmd)
	addDoctorCommand(cmd)
	addConfigCommand(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "jumbomemctl",
		Short:         "Inspect and diagnose a JumboMem-managed process",
		Long:          "jumbomemctl — attach to a running JumboMem region's stats socket, run preflight diagnostics, or print the resolved configuration.",
		Version:       fmt.Sprintf("jumbomemctl v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pflags.StringVar(&sockFlag, "socket", "", "Path to a running region's stats socket (default: $JM_STATS_SOCK)")

	if v := os.Getenv("JM_STATS_SOCK"); v != "" && sockFlag == "" {
		sockFlag = v
	}
	if os.Getenv("JM_JSON") == "1" {
		jsonFlag = true
	}

	return rootCmd
}

// Execute runs jumbomemctl with the process's real argv.
func Execute() error {
	return NewRootCmd().Execute()
}
