// Command orchestrctl is a thin CLI client for the orchestratord HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrctl",
		Short: "Client for the orchestration engine's HTTP API",
	}

	root.PersistentFlags().String("server", "http://localhost:8080", "orchestratord base URL")
	root.PersistentFlags().Duration("timeout", 0, "request timeout (0 = no client-side timeout)")
	_ = viper.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))
	viper.SetEnvPrefix("ORCHCTL")
	viper.AutomaticEnv()

	root.AddCommand(newStartCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newRaiseEventCommand())
	root.AddCommand(newTerminateCommand())
	return root
}
