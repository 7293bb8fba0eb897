package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-connector/pkg/capability"
	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/runtime"

	// Import all available capabilities to register them
	_ "github.com/ajitpratap0/nebula-connector/examples/echo"
)

func main() {
	root := &cobra.Command{
		Use:   "connector",
		Short: "Connector runtime",
		Long: `Connector hosts an integration capability: it registers with the
orchestration service, keeps a socket open and answers the commands the
server sends over it.`,
	}

	var name string
	run := runtime.NewRunCommand("run", func(cfg *config.RuntimeConfig) (capability.Capability, error) {
		if name == "" {
			return nil, fmt.Errorf("--capability is required (available: %s)", strings.Join(capability.List(), ", "))
		}
		return capability.Create(name, cfg)
	})
	run.Long = `Run a registered capability until interrupted.

Configuration comes from the optional --config YAML file, then from
CONNECTOR_* environment variables (a .env file is loaded first).

Example:
  connector run --capability echo --config connector.yaml --metrics-addr :9090`
	run.Flags().StringVar(&name, "capability", "", "name of the capability to host")
	root.AddCommand(run)

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available capabilities",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Available capabilities:")
			for _, c := range capability.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", c)
			}
		},
	})
	root.AddCommand(runtime.NewKeygenCommand(), runtime.NewVersionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
