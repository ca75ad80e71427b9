package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/pipeline"
)

var (
	runsModelName string
	runsFilter    string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recorded fine-tuning runs",
	Long:  "Query the run history database and print past fine-tuning runs, newest first",
	Run:   runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsModelName, "model", "m", "", "model configuration holding the database settings")
	runsCmd.Flags().StringVar(&runsFilter, "filter", "", "only show runs for this base model id")
}

func runRuns(cmd *cobra.Command, args []string) {
	if runsModelName == "" {
		color.Red("Error: -m (model) is required")
		cmd.Help()
		os.Exit(1)
	}

	p, err := pipeline.New(pipeline.Options{
		ModelName: runsModelName,
		ConfigDir: configDir,
		Verbose:   verbose,
	})
	if err != nil {
		color.Red("Failed to initialize pipeline: %v", err)
		os.Exit(1)
	}

	if err := p.Runs(runsFilter); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
