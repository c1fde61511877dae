package cmd

import (
	"github.com/spf13/cobra"
)

var baseURL string

var rootCmd = &cobra.Command{
	Use:   "adminctl",
	Short: "Manage gateway principals from the loopback admin surface",
	Long: `adminctl talks to a running gateway's administrative endpoints,
which only accept connections from the loopback interface.

Examples:
  adminctl users list
  adminctl users get alice
  adminctl users create alice --credential s3cret --tier pro
  adminctl users disable alice
  adminctl users enable alice`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:8080", "gateway admin base URL (must be loopback)")
	rootCmd.AddCommand(usersCmd)
}
