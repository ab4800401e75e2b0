// Command shipyard runs the deployment engine and talks to it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/splax/shipyard/internal/config"
	"github.com/splax/shipyard/internal/logger"
)

var buildVersion = "dev"

type app struct {
	v       *viper.Viper
	cfgPath string
	cfg     *config.Config
	log     *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:           "shipyard",
		Short:         "Build and run stored projects as containers",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(a.v, a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.New("shipyard", logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			slog.SetDefault(a.log)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config", "c", "", "config file (yaml, json or toml)")
	flags.Bool("json", false, "print JSON instead of tables")
	flags.String("api", "", "engine base URL (default http://localhost:8080)")
	flags.String("token", "", "API token")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	_ = a.v.BindPFlag("json", flags.Lookup("json"))
	_ = a.v.BindPFlag("client.base_url", flags.Lookup("api"))
	_ = a.v.BindPFlag("http.api_token", flags.Lookup("token"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		a.serveCmd(),
		a.migrateCmd(),
		a.projectCmd(),
		a.deployCmd(),
		a.statusCmd(),
		a.logsCmd(),
		a.historyCmd(),
		a.tailCmd(),
	)
	return root
}
