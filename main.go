package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/projectcalico/felix/agent"
	"github.com/projectcalico/felix/pkg/version"
)

func main() {
	opts := agent.Options{}

	rootCmd := &cobra.Command{
		Use:   "felix",
		Short: "Per-host agent that programs packet-filter rules and IP sets for local endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return agent.Run(opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config-file", "c",
		"/etc/calico/felix.cfg", "path to the local configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Felix exiting")
	}
}
