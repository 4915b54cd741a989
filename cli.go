package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"bken/aecd/internal/config"
	"bken/aecd/internal/device"
	"bken/aecd/internal/permission"
	"bken/aecd/internal/session"
	"bken/aecd/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, cfg config.File) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("aecd %s\n", Version)
		return true
	case "devices":
		return cliDevices(cfg)
	case "permissions":
		return cliPermissions(cfg)
	case "sessions":
		return cliSessions(args[1:], cfg)
	case "config":
		return cliConfig(args[1:], cfg)
	default:
		return false
	}
}

func cliDevices(cfg config.File) bool {
	pa := device.NewPortAudio(cfg.Devices.Input)
	defer pa.Close()

	all, err := pa.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing devices: %v\n", err)
		os.Exit(1)
	}
	inputs := device.Inputs(all)
	if len(inputs) == 0 {
		fmt.Println("No input devices found.")
		return true
	}
	for _, d := range inputs {
		fmt.Printf("  [%d] %s (%d ch, %.0f Hz)\n", d.ID, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return true
}

func cliPermissions(cfg config.File) bool {
	pa := device.NewPortAudio(cfg.Devices.Input)
	defer pa.Close()

	probe := permission.NewProbe(permission.InputProbe(pa), session.LoopbackProbe)
	var statuses map[permission.DeviceType]permission.Status
	for _, dev := range permission.DeviceTypes {
		statuses = permission.Wait(probe, dev)
	}
	for _, dev := range permission.DeviceTypes {
		fmt.Printf("%-12s %s\n", dev, statuses[dev])
	}
	return true
}

func cliSessions(args []string, cfg config.File) bool {
	if cfg.Store.Path == "" {
		fmt.Fprintf(os.Stderr, "session journal is disabled (store.path is empty)\n")
		os.Exit(1)
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "Usage: aecd sessions [count]\n")
			os.Exit(1)
		}
		limit = n
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	list, err := st.Sessions(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(list) == 0 {
		fmt.Println("No sessions recorded.")
		return true
	}
	for _, s := range list {
		stopped := "running"
		if !s.StoppedAt.IsZero() {
			stopped = s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("  [%d] %s  %-8s blocks=%d pass_through=%d errors=%d\n",
			s.ID, s.StartedAt.Format(time.RFC3339), stopped,
			s.Summary.Blocks, s.Summary.PassThrough, s.Summary.Errors)
	}
	return true
}

func cliConfig(args []string, cfg config.File) bool {
	switch {
	case len(args) == 0:
	case args[0] == "default":
		cfg = config.DefaultFile()
	default:
		fmt.Fprintf(os.Stderr, "Usage: aecd config [default]\n")
		os.Exit(1)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
	return true
}
