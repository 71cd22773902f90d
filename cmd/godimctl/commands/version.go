package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dim-network/godim/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print godimctl and daemon build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("godimctl"))

			resp, err := client.daemonVersion()
			if err != nil {
				fmt.Printf("daemon: unreachable (%v)\n", err)
				return
			}
			fmt.Printf("daemon %s\n  commit:  %s\n  built:   %s\n",
				resp.Version, resp.GitCommit, resp.BuildDate)
		},
	}
}
