package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hidbridge/hidbridge/internal/devsvc"
	"github.com/hidbridge/hidbridge/pkg/agent"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "hidbridge"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:      filepath.Join(configDir, "data"),
		BridgeConfig: filepath.Join(configDir, "bridge.yml"),
	}
	agentCmd := &cobra.Command{
		Use:   "hidbridge",
		Short: "HID event bridge",
		Long:  `hidbridge monitors selected input devices and forwards their key and scroll events to Home Assistant and MQTT.`,
	}
	var a *agent.Agent
	agentProvider := func() *agent.Agent {
		return a
	}
	agentCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	agentCmd.PersistentFlags().StringVar(&cfg.BridgeConfig, "bridge-config", cfg.BridgeConfig, "bridge config file")
	agentCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	agentCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return a.Close()
	}
	agentCmd.AddCommand(NewRun(agentProvider))
	agentCmd.AddCommand(NewListDevices(agentProvider))
	agentCmd.AddCommand(NewSelect(agentProvider))
	agentCmd.AddCommand(NewDeselect(agentProvider))
	return agentCmd
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the HID event bridge",
		Long:  `Runs the bridge daemon: discovers input devices, monitors the selected ones and dispatches their events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().Run(cmd.Context())
		},
	}
}

type deviceListing struct {
	devsvc.DeviceRecord
	Selected bool `json:"selected"`
}

func NewListDevices(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List known input devices",
		Long:  `List every input device ever sighted, with its stable identity and selection status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := agent().Store()
			records, err := store.ListDevices()
			if err != nil {
				return err
			}
			selection, err := store.Selection()
			if err != nil {
				return err
			}
			listings := make([]deviceListing, 0, len(records))
			for _, rec := range records {
				_, selected := selection[rec.Identity]
				listings = append(listings, deviceListing{DeviceRecord: rec, Selected: selected})
			}
			jsonB, err := json.MarshalIndent(listings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewSelect(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "select",
		Short: "Select a device for monitoring",
		Long:  `Add a device identity to the monitored selection. The device starts streaming on the next discovery pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: select <identity>")
			}
			return agent().Store().Select(args[0])
		},
	}
}

func NewDeselect(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "deselect",
		Short: "Remove a device from monitoring",
		Long:  `Remove a device identity from the monitored selection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: deselect <identity>")
			}
			return agent().Store().Deselect(args[0])
		},
	}
}
