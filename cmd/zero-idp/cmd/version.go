package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/gematik/zero-idp/pkg/idpserver"
	"github.com/spf13/cobra"
)

func init() {
	versionCmd.Flags().Bool("short", false, "print the version only")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and resolved paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if short, _ := cmd.Flags().GetBool("short"); short {
			fmt.Fprintln(out, idpserver.Version)
			return nil
		}

		fmt.Fprintf(out, "zero-idp %s (%s %s/%s)\n", idpserver.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if configFile, err := configFilePath(); err != nil {
			fmt.Fprintln(out, "Config file:", err)
		} else if _, err := os.Stat(configFile); err != nil {
			fmt.Fprintln(out, "Config file:", configFile, "(missing)")
		} else {
			fmt.Fprintln(out, "Config file:", configFile)
		}
		if wd, err := os.Getwd(); err == nil {
			fmt.Fprintln(out, "Working directory:", wd)
		}
		return nil
	},
}
