package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusUserID string

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status and progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(viper.GetString("url"))

		job, err := client.JobStatus(args[0], statusUserID)
		if err != nil {
			return err
		}

		cmd.Printf("Job:      %s (%s)\n", job.JobID, job.Kind)
		cmd.Printf("Status:   %s\n", job.Status)
		cmd.Printf("Progress: %d%%", job.Progress)
		if job.TotalUnits > 0 {
			cmd.Printf(" (%d/%d)", job.ProcessedUnits, job.TotalUnits)
		}
		cmd.Println()
		if job.FieldName != nil {
			cmd.Printf("Field:    %s\n", *job.FieldName)
		}
		if job.ResultLocation != nil {
			cmd.Printf("Result:   %s\n", *job.ResultLocation)
		}
		if job.ErrorMessage != nil {
			cmd.Printf("Error:    %s\n", *job.ErrorMessage)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusUserID, "user", "u", "", "Owner user id of the job")
	statusCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(statusCmd)
}
