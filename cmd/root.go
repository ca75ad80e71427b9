package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/pipeline"
)

var (
	modelName string
	configDir string
	verbose   bool
	push      bool
	silent    bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "llmft",
	Short: "LoRA fine-tuning for small causal language models",
	Long:  `fine-tune causal language models on instruction datasets with low-rank adapters, entirely on the CPU`,
	Run:   runTune,
}

func Execute() {
	hasSilentFlag := false
	for i, arg := range os.Args {
		if arg == "-silent" {
			os.Args[i] = "--silent"
			hasSilentFlag = true
		}
		if arg == "-push" {
			os.Args[i] = "--push"
		}
	}

	if !hasSilentFlag {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Printf("[DBG] "+format+"\n", args...)
	}
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}Flags:
INPUT:
   -m, -model string       name of the model configuration to run (e.g. 'tinystories')

PUBLISH:
   -push                   push the fine-tuned model to the hub after training

CONFIGURATION:
   -c, -config string      directory containing model configuration files (default: ./configs)

OUTPUT:
   -silent                 silent mode - no banner or extra output

OPTIMIZATION:
   -v, -verbose            enable verbose/debug output
{{if .HasAvailableSubCommands}}
Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "", "directory containing model configuration files (default: ./configs)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")

	rootCmd.Flags().StringVarP(&modelName, "model", "m", "", "name of the model configuration to run")
	rootCmd.Flags().BoolVar(&push, "push", false, "push the fine-tuned model to the hub after training")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "silent mode - no banner or extra output")

	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runTune(cmd *cobra.Command, args []string) {
	if modelName == "" {
		color.Red("Error: -m (model) is required")
		cmd.Help()
		os.Exit(1)
	}

	Verbose = verbose

	p, err := pipeline.New(pipeline.Options{
		ModelName: modelName,
		ConfigDir: configDir,
		Verbose:   verbose,
		Push:      push,
	})
	if err != nil {
		color.Red("Failed to initialize pipeline: %v", err)
		os.Exit(1)
	}

	result, err := p.Run(context.Background())
	if err != nil {
		color.Red("Fine-tuning failed: %v", err)
		os.Exit(1)
	}

	color.Green("Fine-tuning complete: %s", result.OutputDir)
}

func printBanner() {
	banner := color.CyanString(`
┬  ┬  ┌┬┐┌─┐┌┬┐
│  │  │││├┤  │
┴─┘┴─┘┴ ┴└   ┴
`)
	info := color.HiBlackString("low-rank adapter fine-tuning for causal language models")
	fmt.Println(banner)
	fmt.Println(info)
	fmt.Println()
}
