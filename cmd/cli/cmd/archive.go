package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var archiveUserID string

var archiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Build a stored ZIP archive of all files in a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(viper.GetString("url"))

		resp, err := client.StartSessionArchive(args[0], archiveUserID)
		if err != nil {
			return err
		}

		cmd.Printf("Archive job accepted: %s\n", resp.JobID)
		cmd.Printf("Poll it with: formctl status %s --user %s\n", resp.JobID, archiveUserID)
		return nil
	},
}

func init() {
	archiveCmd.Flags().StringVarP(&archiveUserID, "user", "u", "", "Owner user id for the job")
	archiveCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(archiveCmd)
}
