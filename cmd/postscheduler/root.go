package main

import (
	"github.com/spf13/cobra"

	"postscheduler/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "postscheduler",
		Short:         "schedule Reddit posts and react to activity on them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFile)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with secrets; missing is fine")

	rootCmd.AddCommand(newServeCommand(opts), newJobsCommand(opts))
	return rootCmd
}
