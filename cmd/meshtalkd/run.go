package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshtalk/internal/ble"
	"meshtalk/internal/ble/bluez"
	"meshtalk/internal/ble/tinygo"
	"meshtalk/internal/config"
	"meshtalk/internal/message"
	"meshtalk/internal/supervisor"
)

var (
	configPath string
	deviceName string
	driverName string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the mesh core and a line-based terminal front-end",
	RunE:  runMesh,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file overlaying the defaults")
	runCmd.Flags().StringVar(&deviceName, "name", "", "display name advertised to peers")
	runCmd.Flags().StringVar(&driverName, "driver", "tinygo", "BLE backend: tinygo (dual-role) or bluez (central-only, Linux)")
}

func newDriver(name string) (ble.Driver, error) {
	switch name {
	case "tinygo":
		return tinygo.New(), nil
	case "bluez":
		return bluez.New(), nil
	default:
		return nil, fmt.Errorf("unknown --driver %q (want tinygo or bluez)", name)
	}
}

// runMesh wires config, the chosen BLE driver, and the supervisor, then
// bridges stdin lines to Supervisor.Send and supervisor events to stdout —
// the minimal terminal front-end the mesh core itself leaves out of scope.
func runMesh(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	driver, err := newDriver(driverName)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sup := supervisor.New(cfg, driver, logger, supervisor.FrontendCallbacks{
		OnMessage: func(m *message.Message) { printMessage(out, m) },
		OnStatus:  func(s string) { fmt.Fprintf(out, "* %s\n", s) },
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start mesh core: %w", err)
	}
	defer sup.Stop()

	fmt.Fprintf(out, "* meshtalkd running as %s (device id %s)\n", displayName(), sup.LocalID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(out, "* shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := sup.Send(line, displayName()); err != nil {
				fmt.Fprintf(out, "* send failed: %v\n", err)
			}
		}
	}
}

func displayName() string {
	if deviceName != "" {
		return deviceName
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "anonymous"
}

func printMessage(out io.Writer, m *message.Message) {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	fmt.Fprintf(out, "[%s] %s\n", sender, m.Content)
}

func readLines(in io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
