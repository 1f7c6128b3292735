package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the operator dashboard",
	RunE:  runTUI,
}

var (
	tuiRefresh  time.Duration
	tuiNoDaemon bool
)

func init() {
	tuiCmd.Flags().DurationVar(&tuiRefresh, "refresh", tui.DefaultRefresh, "Polling interval")
	tuiCmd.Flags().BoolVar(&tuiNoDaemon, "no-daemon", false, "Do not start a daemon when none is running")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning() && !tuiNoDaemon {
		fmt.Println("Tollgate daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	if err := tui.Run(apiAddr, tuiRefresh); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	h, err := CheckHealth()
	return err == nil && h.OK
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "daemon")
	configureDaemonProc(cmd)
	// Detached: keep the child off the dashboard's terminal.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
