// ampctl controls a BreatheAudio six-zone amplifier from the command line.
//
// Usage:
//
//	ampctl -port /dev/ttyUSB0 status
//	ampctl -config breatheamp.yaml power 3 on
//	ampctl -config breatheamp.yaml volume 3 20
//	ampctl -config breatheamp.yaml watch
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/soundpost/breatheamp/amp"
	"github.com/soundpost/breatheamp/internal/config"
	"github.com/soundpost/breatheamp/internal/logging"
	"github.com/soundpost/breatheamp/internal/serialport"
	"github.com/soundpost/breatheamp/internal/state"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	portPath   = flag.String("port", "", "Serial port (overrides the config file)")
	verbose    = flag.Bool("verbose", false, "Enable per-exchange debug logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: ampctl [flags] <command> [args]

Commands:
  status [zone]        query one zone, or all six
  power <zone> on|off  switch a zone on or off
  volume <zone> <0-38> set a zone's volume
  source <zone> <1-6>  select a zone's input source
  mute <zone> on|off   mute or unmute a zone
  watch                print zone changes as they are confirmed

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	log := logging.New(*verbose)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg, log, flag.Args(), serialport.Open); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// execute connects, runs one command, and releases the serial port on every
// path. log.Fatal in main skips deferred calls, so the close happens here.
func execute(ctx context.Context, cfg config.Config, log zerolog.Logger, args []string, opener serialport.Opener) error {
	a, err := amp.OpenWith(cfg, log, opener)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a, args)
}

func loadConfig() (config.Config, error) {
	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if *portPath != "" {
		cfg.Port = *portPath
	}
	return cfg.Normalize()
}

func run(ctx context.Context, a *amp.Amplifier, args []string) error {
	switch cmd := args[0]; cmd {
	case "status":
		return runStatus(ctx, a, args[1:])
	case "power", "mute":
		zone, err := zoneArg(a, args[1:])
		if err != nil {
			return err
		}
		on, err := onOffArg(args, 2)
		if err != nil {
			return err
		}
		if cmd == "power" {
			err = zone.SetPower(ctx, on)
		} else {
			err = zone.SetMute(ctx, on)
		}
		if err != nil {
			return err
		}
		return printZone(zone)
	case "volume":
		zone, err := zoneArg(a, args[1:])
		if err != nil {
			return err
		}
		level, err := intArg(args, 2, "volume level")
		if err != nil {
			return err
		}
		if err := zone.SetVolume(ctx, level); err != nil {
			return err
		}
		return printZone(zone)
	case "source":
		zone, err := zoneArg(a, args[1:])
		if err != nil {
			return err
		}
		source, err := intArg(args, 2, "source")
		if err != nil {
			return err
		}
		if err := zone.SetSource(ctx, source); err != nil {
			return err
		}
		return printZone(zone)
	case "watch":
		return runWatch(ctx, a)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runStatus(ctx context.Context, a *amp.Amplifier, args []string) error {
	if len(args) > 0 {
		zone, err := zoneArg(a, args)
		if err != nil {
			return err
		}
		snap, err := zone.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Println(formatZone(zone.Name(), snap))
		return nil
	}

	if err := a.RefreshAll(ctx); err != nil {
		return err
	}
	for _, zone := range a.Zones() {
		snap, err := zone.State()
		if err != nil {
			return err
		}
		fmt.Println(formatZone(zone.Name(), snap))
	}
	return nil
}

func runWatch(ctx context.Context, a *amp.Amplifier) error {
	id, changes := a.Subscribe()
	defer a.Unsubscribe(id)

	if err := a.RefreshAll(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			zone, err := a.Zone(change.New.ID)
			if err != nil {
				return err
			}
			fmt.Println(formatZone(zone.Name(), change.New))
		}
	}
}

func zoneArg(a *amp.Amplifier, args []string) (*amp.Zone, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("zone id required")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid zone id %q", args[0])
	}
	return a.Zone(id)
}

func intArg(args []string, idx int, what string) (int, error) {
	if len(args) <= idx {
		return 0, fmt.Errorf("%s required", what)
	}
	v, err := strconv.Atoi(args[idx])
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, args[idx])
	}
	return v, nil
}

func onOffArg(args []string, idx int) (bool, error) {
	if len(args) <= idx {
		return false, fmt.Errorf("expected on or off")
	}
	switch args[idx] {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", args[idx])
	}
}

func printZone(zone *amp.Zone) error {
	snap, err := zone.State()
	if err != nil {
		return err
	}
	fmt.Println(formatZone(zone.Name(), snap))
	return nil
}

func formatZone(name string, z state.ZoneState) string {
	if !z.Known {
		return fmt.Sprintf("%d %-12s (no status yet)", z.ID, name)
	}
	power := "off"
	if z.Power {
		power = "on"
	}
	mute := ""
	if z.Mute {
		mute = " muted"
	}
	return fmt.Sprintf("%d %-12s power=%-3s volume=%2d source=%d%s", z.ID, name, power, z.Volume, z.Source, mute)
}
