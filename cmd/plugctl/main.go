// Command plugctl controls Govee BLE smart plugs: scan for nearby
// plugs, pair to obtain the auth token, switch outlets, and watch
// passive state updates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"govee-plugctl/internal/ble"
	"govee-plugctl/internal/config"
	"govee-plugctl/internal/plug"
	"govee-plugctl/internal/profile"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/plugctl/config.yaml)")
	scanTimeout := flag.Duration("scan-timeout", 10*time.Second, "how long to scan for devices")
	flag.Usage = usage
	flag.Parse()

	cfg, cfgPath, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	setLogLevel(cfg.LogLevel)

	adapter := ble.NewHardwareAdapter()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "scan":
		err = runScan(adapter, *scanTimeout)
	case "pair":
		err = runPair(adapter, cfg, cfgPath, args[1:])
	case "on", "off":
		err = runSwitch(adapter, cfg, args[0] == "on", args[1:])
	case "status":
		err = runStatus(adapter, cfg, args[1:])
	case "energy":
		err = runEnergy(adapter, cfg, args[1:])
	case "watch":
		err = runWatch(adapter, cfg)
	default:
		log.Printf("unknown command %q", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: plugctl [flags] <command>

Commands:
  scan                      scan for nearby Govee plugs
  pair <address> <model>    pair with a plug and store its token
  on <device> [outlet]      switch an outlet on
  off <device> [outlet]     switch an outlet off
  status <device>           query and print outlet states
  energy <device>           read instantaneous power draw (H5086)
  watch                     follow passive state updates for all devices

<device> is a configured device name or address.

Flags:
`)
	flag.PrintDefaults()
}

func runScan(adapter ble.Adapter, timeout time.Duration) error {
	log.Printf("Scanning for %s...", timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	found, err := plug.Scan(ctx, adapter)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		log.Println("No Govee plugs found")
		return nil
	}
	for _, d := range found {
		fmt.Printf("%-20s %-6s rssi=%d %s\n", d.MAC, d.Model, d.RSSI, d.Name)
	}
	return nil
}

func runPair(adapter ble.Adapter, cfg *config.Config, cfgPath string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: pair <address> <model>")
	}
	addr, model := args[0], profile.Model(args[1])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Printf("Pairing with %s (%s)... press the device's pairing button if it has one", addr, model)
	token, err := plug.Pair(ctx, adapter, addr, model)
	if err != nil {
		return err
	}

	if d, ok := cfg.Find(addr); ok {
		d.Token = token
	} else {
		cfg.Devices = append(cfg.Devices, config.Device{
			Address: addr,
			Model:   string(model),
			Token:   token,
		})
	}
	if err := config.Save(cfg, cfgPath); err != nil {
		return err
	}
	log.Printf("Paired. Token stored in %s", cfgPath)
	return nil
}

func runSwitch(adapter ble.Adapter, cfg *config.Config, on bool, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: on|off <device> [outlet]")
	}
	outlet := 0
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad outlet %q: %w", args[1], err)
		}
		outlet = n
	}

	p, err := openPlug(adapter, cfg, args[0])
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if on {
		err = p.TurnOn(ctx, outlet)
	} else {
		err = p.TurnOff(ctx, outlet)
	}
	if err != nil {
		return err
	}

	name := p.Profile().OutletNames[outlet]
	log.Printf("%s: %s is now %s", p.Address(), name, onOff(on))
	return nil
}

func runStatus(adapter ble.Adapter, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: status <device>")
	}
	p, err := openPlug(adapter, cfg, args[0])
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.Refresh(ctx); err != nil {
		return err
	}
	printState(p, p.State())
	return nil
}

func runEnergy(adapter ble.Adapter, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: energy <device>")
	}
	p, err := openPlug(adapter, cfg, args[0])
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	watts, err := p.ReadEnergy(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %.1f W\n", p.Address(), watts)
	return nil
}

func runWatch(adapter ble.Adapter, cfg *config.Config) error {
	hub := plug.NewHub(adapter, optionsFromConfig(cfg))
	defer hub.Close()

	for _, d := range cfg.Devices {
		if d.Token == "" {
			log.Printf("Skipping %s: not paired", d.Address)
			continue
		}
		p, err := hub.Add(d.Address, profile.Model(d.Model), d.Token)
		if err != nil {
			return err
		}
		name := d.Name
		if name == "" {
			name = d.Address
		}
		p.OnStateChanged(func(st plug.DeviceState) {
			for i, o := range st.Outlets {
				if o.Known {
					log.Printf("%s: outlet %d %s", name, i, onOff(o.On))
				}
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down...", sig)
		cancel()
	}()

	log.Println("Watching advertisements. Ctrl+C to quit.")
	return hub.Watch(ctx)
}

// openPlug resolves a device by name or address and builds its plug.
func openPlug(adapter ble.Adapter, cfg *config.Config, key string) (*plug.Plug, error) {
	d, ok := cfg.Find(key)
	if !ok {
		return nil, fmt.Errorf("no configured device %q (run 'plugctl scan' and 'plugctl pair')", key)
	}
	if d.Token == "" {
		return nil, fmt.Errorf("device %s is not paired (run 'plugctl pair %s %s')", key, d.Address, d.Model)
	}
	return plug.NewPlug(adapter, d.Address, profile.Model(d.Model), d.Token, optionsFromConfig(cfg))
}

func optionsFromConfig(cfg *config.Config) plug.Options {
	return plug.Options{
		ConnectTimeout: time.Duration(cfg.Connect.TimeoutSeconds) * time.Second,
		CommandTimeout: time.Duration(cfg.Command.TimeoutSeconds) * time.Second,
		MaxRetries:     cfg.Command.MaxRetries,
		RetryDelay:     200 * time.Millisecond,
		ReconnectMax:   cfg.Connect.ReconnectMaxSeconds,
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. Returns the path
// so pairing can save back to it.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, defaultPath, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), defaultPath, nil
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}

func printState(p *plug.Plug, st plug.DeviceState) {
	names := p.Profile().OutletNames
	for i, o := range st.Outlets {
		name := fmt.Sprintf("outlet %d", i)
		if i < len(names) {
			name = names[i]
		}
		if o.Known {
			fmt.Printf("%s: %s is %s\n", p.Address(), name, onOff(o.On))
		} else {
			fmt.Printf("%s: %s is unknown\n", p.Address(), name)
		}
	}
	if st.HasEnergy {
		fmt.Printf("%s: %.1f W\n", p.Address(), st.Watts)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
