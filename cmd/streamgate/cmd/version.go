package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamgate/streamgate/internal/version"
)

var versionJSON bool

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, and build date of streamgate.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			out, err := json.MarshalIndent(version.GetInfo(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Println(version.String())
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output version information as JSON")
	rootCmd.AddCommand(versionCmd)
}
