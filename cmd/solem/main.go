package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/solem-toolkit/internal/ble"
	"github.com/chaz8081/solem-toolkit/internal/config"
	"github.com/chaz8081/solem-toolkit/internal/logging"
	"github.com/chaz8081/solem-toolkit/internal/mqtt"
	"github.com/chaz8081/solem-toolkit/internal/service"
)

// serviceFields lists the integer payload fields each service accepts.
var serviceFields = map[string][]string{
	service.ListCharacteristics:            nil,
	service.TurnOn:                         nil,
	service.TurnOffPermanent:               nil,
	service.TurnOffXDays:                   {"days"},
	service.SprinkleStationXForYMinutes:    {"station", "minutes"},
	service.SprinkleAllStationsForYMinutes: {"minutes"},
	service.RunProgramX:                    {"program"},
	service.StopManualSprinkle:             nil,
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/solem/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "init-config" {
		path := *configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if err := config.WriteDefault(path); err != nil {
			log.Fatalf("init-config: %v", err)
		}
		fmt.Println("Config written to", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	slog.SetDefault(logging.New(cfg, os.Stderr, "solem"))

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinyGoAdapter(cfg.BLE.Adapter)

	switch {
	case cmd == "scan":
		err = runScan(ctx, adapter, args)
	case cmd == "serve":
		err = runServe(ctx, cfg, adapter)
	case hasService(cmd):
		err = runService(ctx, cfg, adapter, cmd, args)
	default:
		stop()
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		stop()
		os.Exit(1)
	}
}

func hasService(name string) bool {
	_, ok := serviceFields[name]
	return ok
}

// runService executes one service call, filling device_mac and
// bluetooth_timeout from config when the flags are not given.
func runService(ctx context.Context, cfg *config.Config, adapter ble.Adapter, name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	mac := fs.String("mac", cfg.BLE.DeviceMAC, "controller address")
	timeout := fs.Int("timeout", cfg.BLE.BluetoothTimeout, "bluetooth connect timeout in seconds")
	fields := make(map[string]*int)
	for _, f := range serviceFields[name] {
		fields[f] = fs.Int(f, 1, f)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	data := service.Data{"bluetooth_timeout": *timeout}
	if *mac != "" {
		data["device_mac"] = *mac
	}
	// Only forward fields that were set so the service defaults apply.
	fs.Visit(func(f *flag.Flag) {
		if v, ok := fields[f.Name]; ok {
			data[f.Name] = *v
		}
	})

	reg := service.NewRegistry(ble.NewClient(adapter, cfg.BLE.ClientOptions()))
	res, err := reg.Call(ctx, name, data)
	if err != nil {
		return err
	}
	if res.Topology != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Topology)
	}
	fmt.Printf("%s ok (call %s)\n", name, res.CallID)
	return nil
}

func runScan(ctx context.Context, adapter ble.Adapter, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	duration := fs.Duration("duration", ble.DefaultResolveTimeout, "scan duration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", *duration)
	devices, err := ble.ScanForDevices(ctx, adapter, *duration)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tRSSI\tNAME")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%d\t%s\n", d.Address, d.RSSI, d.Name)
	}
	return w.Flush()
}

func runServe(ctx context.Context, cfg *config.Config, adapter ble.Adapter) error {
	if !cfg.MQTT.Enabled {
		return errors.New("mqtt is disabled; set mqtt.enabled in the config")
	}
	reg := service.NewRegistry(ble.NewClient(adapter, cfg.BLE.ClientOptions()))
	bridge := mqtt.NewBridge(cfg.MQTT, reg)

	slog.Info("serving", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix, "services", reg.Names())
	start := time.Now()
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("shut down", "uptime", time.Since(start).Round(time.Second))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintln(w, "Usage: solem [-config path] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  scan                                  list nearby BLE devices")
	fmt.Fprintln(w, "  serve                                 run the MQTT service bridge")
	fmt.Fprintln(w, "  init-config                           write the default config file")
	fmt.Fprintln(w, "  list_characteristics                  print the controller's GATT topology")
	fmt.Fprintln(w, "  turn_on                               enable watering")
	fmt.Fprintln(w, "  turn_off_permanent                    disable watering")
	fmt.Fprintln(w, "  turn_off_x_days -days N               disable watering for N days")
	fmt.Fprintln(w, "  sprinkle_station_x_for_y_minutes -station S -minutes M")
	fmt.Fprintln(w, "  sprinkle_all_stations_for_y_minutes -minutes M")
	fmt.Fprintln(w, "  run_program_x -program P              start stored program P")
	fmt.Fprintln(w, "  stop_manual_sprinkle                  stop manual watering")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Service commands accept -mac and -timeout (seconds).")
	fmt.Fprintln(w)
	flag.PrintDefaults()
}
