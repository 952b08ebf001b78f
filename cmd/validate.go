package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"conduit/internal/config"
)

var validateChannelsDir string

var validateCmd = &cobra.Command{
	Use:   "validate [file ...]",
	Short: "Validate channel YAML definitions without deploying them",
	Long: `Parses and validates the given channel definition files. With no
arguments it validates every *.yaml / *.yml file in the channels directory.
Exits non-zero when any file is invalid.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		dir := validateChannelsDir
		if dir == "" {
			dir = "channels"
		}
		yaml, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
		if err != nil {
			return err
		}
		yml, err := filepath.Glob(filepath.Join(dir, "*.yml"))
		if err != nil {
			return err
		}
		files = append(yaml, yml...)
	}
	if len(files) == 0 {
		return fmt.Errorf("no channel files to validate")
	}

	failed := 0
	for _, path := range files {
		channel, err := config.LoadChannelFile(path)
		if err == nil {
			err = channel.Validate()
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s)\n", path, channel.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(files))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateChannelsDir, "channels-dir", "", "Directory to scan when no files are given")
}
