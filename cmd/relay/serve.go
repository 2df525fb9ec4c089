package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chaaya/internal/config"
)

func newServeCmd() *cobra.Command {
	var (
		mode       string
		addr       string
		configFile string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if cmd.Flags().Changed("mode") {
				overrides["mode"] = mode
			}
			if cmd.Flags().Changed("addr") {
				overrides["addr"] = addr
			}
			cfg, err := config.Load(config.LoadOptions{
				EnvFile:         envFile,
				EnvFileRequired: envFile != "",
				ConfigFile:      configFile,
				Overrides:       overrides,
			})
			if err != nil {
				return err
			}

			a, err := newApp(cfg, os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "conversation mode: completion or assistant (overrides RELAY_MODE)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides RELAY_ADDR)")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "optional config file (yaml, json or toml)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "env file to load (default .env if present)")
	return cmd
}
