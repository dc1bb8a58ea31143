// Command browserd runs the browser session server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "browserd",
		Short:         "Serve isolated browser sessions over HTTP",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./browserd.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(newServeCmd(v, &cfgFile), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "browserd:", err)
		os.Exit(1)
	}
}
