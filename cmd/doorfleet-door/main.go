// Command doorfleet-door simulates one door controller: it connects to
// the coordinator websocket, reports its position, actuates authorized
// commands and can press its physical button on an interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doorfleet/doorfleet/client"
	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/internal/version"
	"github.com/doorfleet/doorfleet/state"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("doorfleet-door", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	server := envString("DOORFLEET_DOOR_SERVER", "ws://localhost:8000/ws")
	deviceID := envString("DOORFLEET_DOOR_DEVICE", "DOOR-001")
	initial := envString("DOORFLEET_DOOR_INITIAL_STATUS", "closed")
	logLevel := envString("DOORFLEET_DOOR_LOG_LEVEL", "info")
	var actuationDelay, buttonEvery time.Duration
	var buttonCmd string
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&server, "server", server, "coordinator websocket root (env: DOORFLEET_DOOR_SERVER)")
	fs.StringVar(&deviceID, "device", deviceID, "device id to register as (env: DOORFLEET_DOOR_DEVICE)")
	fs.StringVar(&initial, "initial-status", initial, "door position at startup, open or closed (env: DOORFLEET_DOOR_INITIAL_STATUS)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level (env: DOORFLEET_DOOR_LOG_LEVEL)")
	fs.DurationVar(&actuationDelay, "actuation-delay", 0, "simulated motor travel time per command")
	fs.DurationVar(&buttonEvery, "press-button-every", 0, "press the physical button on this interval (0 disables)")
	fs.StringVar(&buttonCmd, "button-command", "open", "command sent by the simulated button, open or close")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, version.String())
		return 0
	}

	if err := logutil.SetLevel(logLevel); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	status, err := state.ParsePhysicalStatus(initial)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	pressCmd, err := state.ParseCommand(buttonCmd)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	door := client.NewSimulatedDoor(status, actuationDelay)
	ctrl := client.New(server, deviceID, door)
	ctrl.OnDenied = func(cmd state.Command, reason string) {
		logutil.WithDevice(deviceID).WithFields(map[string]interface{}{
			"command": cmd,
			"reason":  reason,
		}).Info("button press refused; door stays put")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if buttonEvery > 0 {
		go func() {
			ticker := time.NewTicker(buttonEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := ctrl.PressButton(ctx, pressCmd); err != nil {
						logutil.WithDevice(deviceID).WithError(err).Debug("button press skipped")
					}
				}
			}
		}()
	}

	logutil.WithDevice(deviceID).WithField("server", server).Info("door simulator starting")
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func envString(name string, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
