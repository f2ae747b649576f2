package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ListenUpApp/client-sub012/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Long: `Write a config file with every setting at its default value. The server
URL comes from --server or LISTENUP_SYNC_SERVER_URL. An existing file is
never overwritten.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return writeJSON(cc.Out, cc.Cfg)
	}

	return config.RenderEffective(cc.Cfg, cc.Out)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := config.ConfigPath(cc.Env, cc.CLI)

	serverURL := cc.Env.ServerURL
	if cc.CLI.ServerURL != nil {
		serverURL = *cc.CLI.ServerURL
	}

	if err := config.WriteDefault(path, serverURL); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			return fmt.Errorf("%w; edit it or remove it first", err)
		}

		return err
	}

	cc.Statusf("Wrote %s.\n", path)

	return nil
}
