package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "formctl",
	Short: "Formctl is a command line tool for operating formvault background jobs",
	Long: `formctl is the operations CLI for the FormVault background-job subsystem.

FormVault runs two asynchronous pipelines: bulk generation of synthetic
form submissions, and ZIP packaging of uploaded session files. Both are
tracked as jobs with persisted status and progress.

Common workflows:

  Check a job:
    formctl status <job-id> --user <user-id>

  Cancel a running bulk job:
    formctl cancel <job-id>

  Build a stored archive of a session's files:
    formctl archive <session-id> --user <user-id>

Configuration:
  Set the API endpoint via environment variables or a config file:
    FORMVAULT_URL    API endpoint (default: http://localhost:7070)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".formctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".formctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FORMVAULT_VARNAME"
	viper.SetEnvPrefix("FORMVAULT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.formctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7070", "FormVault API URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
