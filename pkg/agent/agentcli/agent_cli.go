package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/virtkit/virtgpu/gpuwire"
	"github.com/virtkit/virtgpu/pkg/agent"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "virtgpu"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:     filepath.Join(configDir, "data"),
		ProbeConfig: filepath.Join(configDir, "probe.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "virtgpu-probe",
		Short: "Virtio GPU display probe",
		Long:  `virtgpu-probe drives the virtio GPU control and cursor paths against a simulated device.`,
	}
	var a *agent.Agent
	agentProvider := func() *agent.Agent {
		return a
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.ProbeConfig, "probe-config", cfg.ProbeConfig, "probe config file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return a.Close()
	}
	rootCmd.AddCommand(NewRun(agentProvider))
	rootCmd.AddCommand(NewDisplayInfo(agentProvider))
	rootCmd.AddCommand(NewEDID(agentProvider))
	rootCmd.AddCommand(NewMoveCursor(agentProvider))
	rootCmd.AddCommand(NewUpdateCursor(agentProvider))
	rootCmd.AddCommand(NewHistory(agentProvider))
	return rootCmd
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the display probe",
		Long:  `Run the display probe: poll display geometry, persist snapshots, and follow hot-plug events from the probe config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().Run(cmd.Context())
		},
	}
}

func NewDisplayInfo(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "display-info",
		Short: "Query display geometry",
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := agent().Device()
			if err != nil {
				return err
			}
			resp, err := device.RequestDisplayInfo()
			if err != nil {
				return err
			}
			enabled := make([]gpuwire.DisplayOne, 0, len(resp.PModes))
			for _, mode := range resp.PModes {
				if mode.Enabled != 0 {
					enabled = append(enabled, mode)
				}
			}
			jsonB, err := json.MarshalIndent(enabled, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewEDID(agent agentProvider) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "edid [scanout]",
		Short: "Fetch EDID for a scanout",
		RunE: func(cmd *cobra.Command, args []string) error {
			var scanout uint64
			if len(args) > 0 {
				var err error
				scanout, err = strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid scanout %q: %w", args[0], err)
				}
			}
			device, err := agent().Device()
			if err != nil {
				return err
			}
			edid, err := device.RequestEDID(uint32(scanout))
			if err != nil {
				return err
			}
			if raw {
				_, err = cmd.OutOrStdout().Write(edid)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d bytes\n%x\n", len(edid), edid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "write raw EDID bytes to stdout")
	return cmd
}

func NewMoveCursor(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "move-cursor <x> <y>",
		Short: "Move the cursor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid x %q: %w", args[0], err)
			}
			y, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid y %q: %w", args[1], err)
			}
			device, err := agent().Device()
			if err != nil {
				return err
			}
			return device.RequestCursorMove(uint32(x), uint32(y), 0)
		},
	}
}

func NewUpdateCursor(agent agentProvider) *cobra.Command {
	var scanout uint32
	cmd := &cobra.Command{
		Use:   "update-cursor <x> <y> <resource-id>",
		Short: "Update the cursor image and position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid x %q: %w", args[0], err)
			}
			y, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid y %q: %w", args[1], err)
			}
			resourceID, err := strconv.ParseUint(args[2], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid resource id %q: %w", args[2], err)
			}
			device, err := agent().Device()
			if err != nil {
				return err
			}
			pos := gpuwire.CursorPos{ScanoutID: scanout, X: uint32(x), Y: uint32(y)}
			return device.RequestCursorUpdate(pos, uint32(resourceID), 0)
		},
	}
	cmd.Flags().Uint32Var(&scanout, "scanout", 0, "scanout to show the cursor on")
	return cmd
}

func NewHistory(agent agentProvider) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print persisted geometry snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := agent().History(limit)
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(snaps, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of snapshots")
	return cmd
}
