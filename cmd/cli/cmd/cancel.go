package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running bulk generation job",
	Long: `Cancel flags a running bulk generation job for cancellation.

The flag is polled between batches, so the in-flight batch still commits
before the job terminates.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(viper.GetString("url"))

		if err := client.CancelBulkJob(args[0]); err != nil {
			return err
		}
		cmd.Printf("Job %s flagged for cancellation\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
