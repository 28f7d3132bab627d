package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	dataDir   string
	worldName string
)

var rootCmd = &cobra.Command{
	Use:   "structforge",
	Short: "structforge - structure placement for generated voxel worlds",
	Long: `structforge scores terrain, finds sites for structure templates, waits
for the surrounding chunks to generate, and pastes the structures into the
world without stalling the world loop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Cobra's own error and usage printing is
// silenced; commands report through the printer package.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "runtime data directory")
	rootCmd.PersistentFlags().StringVar(&worldName, "world", "world_1", "world name")
}
