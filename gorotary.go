package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"lautenbacher.net/gorotary/config"
	"lautenbacher.net/gorotary/logging"
	"lautenbacher.net/gorotary/platform"
)

func main() {
	cfile := flag.String("config", config.CONFILE, "path to the configuration file")
	realhw := flag.Bool("real", false, "run against real GPIO hardware instead of the TUI simulation")
	flag.Parse()

	conf, err := config.ReadConfig(*cfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't read config: %s\n", err)
		os.Exit(2)
	}
	conf.RealHW = *realhw

	// In TUI mode the terminal belongs to the simulation, so logging
	// buffers until the log pane adopts it.
	if err := logging.Init(!conf.RealHW, conf.Logging.Level, conf.Logging.Format, conf.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Can't initialize logging: %s\n", err)
		os.Exit(2)
	}
	defer logging.Close()

	osSignalChan := make(chan os.Signal, 1)
	signal.Notify(osSignalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	reloadChan := make(chan struct{}, 1)
	watcher, err := config.WatchConfig(conf.Configfile, func() {
		select {
		case reloadChan <- struct{}{}:
		default:
		}
	})
	if err != nil {
		slog.Warn("Config file watching unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	for {
		restart, err := run(conf, osSignalChan, reloadChan)
		if err != nil {
			slog.Error("Startup failed", "error", err)
			logging.Close()
			os.Exit(1)
		}
		if !restart {
			return
		}

		newConf, err := config.ReadConfig(conf.Configfile)
		if err != nil {
			slog.Error("Keeping previous configuration", "error", err)
			continue
		}
		newConf.RealHW = conf.RealHW
		conf = newConf
	}
}

// run attaches the platform and consumes its events until shutdown is
// requested or the configuration changed. It reports whether the caller
// should restart with a fresh configuration.
func run(conf *config.Config, osSignalChan chan os.Signal, reloadChan <-chan struct{}) (bool, error) {
	plat, err := platform.NewPlatform(conf)
	if err != nil {
		return false, err
	}
	if tui, ok := plat.(*platform.TUIPlatform); ok {
		tui.SetOSSignalChan(osSignalChan)
	}

	if err := plat.Start(); err != nil {
		return false, err
	}
	defer plat.Stop()

	for {
		select {
		case ev := <-plat.Events():
			for _, e := range ev.Events {
				slog.Info("Input event", "encoder", ev.Encoder, "type", e.Type.String(),
					"axis", e.Axis, "value", e.Value)
			}
		case sig := <-osSignalChan:
			switch sig {
			case syscall.SIGUSR1:
				plat.Suspend()
			case syscall.SIGUSR2:
				plat.Resume()
			default:
				slog.Info("Shutting down...", "signal", sig.String())
				return false, nil
			}
		case <-reloadChan:
			slog.Info("Restarting platform with new configuration...")
			return true, nil
		}
	}
}
