package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/atsim/params"
	"github.com/uhyunpark/atsim/pkg/killswitch"
)

func newKillSwitchCmd(load func() (params.Config, error)) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Inspect or toggle the file-backed kill switch",
	}
	cmd.PersistentFlags().StringVar(&path, "file", "", "Kill switch file; overrides config")

	open := func() (*killswitch.File, error) {
		if path != "" {
			return killswitch.NewFile(path), nil
		}
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return killswitch.NewFile(cfg.KillSwitch), nil
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the kill switch state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := open()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(k.Status(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	var reason string
	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Engage the kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := open()
			if err != nil {
				return err
			}
			p, err := k.Enable(reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Kill switch enabled: %s\n", p)
			return nil
		},
	}
	enableCmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded in the switch file")

	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Release the kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := open()
			if err != nil {
				return err
			}
			k.Disable()
			fmt.Fprintf(cmd.OutOrStdout(), "Kill switch disabled: %s\n", k.Path())
			return nil
		},
	}

	cmd.AddCommand(statusCmd, enableCmd, disableCmd)
	return cmd
}
