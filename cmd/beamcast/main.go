// Command beamcast: DLNA/Transcreen casting controller.
//
//	run       One-run controller: discovery loop, assignment engine, streaming servers, status endpoint. For systemd.
//	discover  One SSDP sweep; print the renderers found and exit
//	play      Start a video on one device (registers it from config or flags first)
//	stop      Stop playback on one device
//	check     Query a renderer's transport state over AVTransport
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beamcast/beamcast/internal/avtransport"
	"github.com/beamcast/beamcast/internal/config"
	"github.com/beamcast/beamcast/internal/device"
	"github.com/beamcast/beamcast/internal/overlay"
	"github.com/beamcast/beamcast/internal/store"
	"github.com/beamcast/beamcast/internal/stream"
)

// controller bundles the long-lived collaborators the subcommands share.
type controller struct {
	cfg      *config.Config
	devices  *config.Service
	db       *store.Store
	registry *stream.Registry
	pool     *stream.Pool
	manager  *device.Manager
}

func newController(cfg *config.Config) (*controller, error) {
	var db *store.Store
	if cfg.DBPath != "" {
		var err error
		db, err = store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	devices := config.NewService()
	if cfg.DeviceFile != "" {
		if _, err := devices.LoadFromFile(cfg.DeviceFile); err != nil {
			log.Printf("Device file %s: %v (starting with empty table)", cfg.DeviceFile, err)
		}
	}

	registry := stream.NewRegistry()
	pool := stream.NewPool(registry)
	mgr := device.NewManager(devices, registry, pool)
	mgr.Store = db
	mgr.Overlay = &overlay.Notifier{BaseURL: cfg.OverlayURL}
	mgr.FFprobePath = cfg.FFprobePath

	return &controller{
		cfg:      cfg,
		devices:  devices,
		db:       db,
		registry: registry,
		pool:     pool,
		manager:  mgr,
	}, nil
}

func (c *controller) close() {
	c.pool.Close()
	c.registry.Close()
	if err := c.db.Close(); err != nil {
		log.Printf("Close store: %v", err)
	}
}

// statusMux serves the operational surface: liveness, metrics, fleet and
// session summaries.
func (c *controller) statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		stats := c.registry.StreamingStats()
		fmt.Fprintf(w, "devices: %d\n", len(c.manager.List()))
		for _, d := range c.manager.List() {
			fmt.Fprintf(w, "  %s [%s] %s playing=%t session=%t video=%s\n",
				d.Name, d.Type, d.Status, d.Playing, c.registry.HasActiveSession(d.Name), d.CurrentVideo)
			if d.Status == device.StatusError && d.LastError != "" {
				fmt.Fprintf(w, "    last error: %s (%s)\n", d.LastError, d.LastErrorTime.Format(time.RFC3339))
			}
		}
		fmt.Fprintf(w, "sessions: %d total, %d active, %d bytes served, %d connection errors\n",
			stats.TotalSessions, stats.ActiveSessions, stats.TotalBytes, stats.ConnectionErrors)
		fmt.Fprintf(w, "scheduled assignments: %d\n", c.manager.ScheduledCount())
		ps := c.manager.Stats()
		fmt.Fprintf(w, "playback: %d attempts, %d ok (%.0f%%)\n", ps.Attempts, ps.Successes, ps.SuccessRate*100)
	})
	return mux
}

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[beamcast] ")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runAddr := runCmd.String("addr", "", "Status/metrics listen address (default: BEAMCAST_ADDR)")
	runInterval := runCmd.Duration("interval", 0, "Discovery cycle interval (default: BEAMCAST_DISCOVERY_INTERVAL)")
	runNoWatch := runCmd.Bool("no-watch", false, "Disable device-file hot reload")

	discoverCmd := flag.NewFlagSet("discover", flag.ExitOnError)
	discoverWindow := discoverCmd.Duration("window", 2*time.Second, "SSDP response collection window")

	playCmd := flag.NewFlagSet("play", flag.ExitOnError)
	playDevice := playCmd.String("device", "", "Device name (must have a config entry, or pass -control-url)")
	playVideo := playCmd.String("video", "", "Local video file to stream")
	playLoop := playCmd.Bool("loop", true, "Restart the video when it ends")
	playControlURL := playCmd.String("control-url", "", "AVTransport control URL (bypasses the config table)")

	stopCmd := flag.NewFlagSet("stop", flag.ExitOnError)
	stopDevice := stopCmd.String("device", "", "Device name")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkURL := checkCmd.String("control-url", "", "AVTransport control URL to query")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <run|discover|play|stop|check> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  run       Run the controller (discovery + assignment + streaming)\n")
		fmt.Fprintf(os.Stderr, "  discover  One SSDP sweep, print renderers\n")
		fmt.Fprintf(os.Stderr, "  play      Play a video on one device\n")
		fmt.Fprintf(os.Stderr, "  stop      Stop playback on one device\n")
		fmt.Fprintf(os.Stderr, "  check     Query a renderer's transport state\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "run":
		_ = runCmd.Parse(os.Args[2:])
		if *runAddr != "" {
			cfg.Addr = *runAddr
		}
		if *runInterval > 0 {
			cfg.DiscoveryInterval = *runInterval
		}
		if *runNoWatch {
			cfg.WatchDeviceFile = false
		}
		if err := runController(cfg); err != nil {
			log.Printf("Run failed: %v", err)
			os.Exit(1)
		}

	case "discover":
		_ = discoverCmd.Parse(os.Args[2:])
		ctx, cancel := context.WithTimeout(context.Background(), *discoverWindow+10*time.Second)
		defer cancel()
		responses, err := device.Search(ctx, *discoverWindow)
		if err != nil {
			log.Printf("Discover failed: %v", err)
			os.Exit(1)
		}
		log.Printf("%d SSDP responder(s)", len(responses))
		seen := map[string]bool{}
		for _, r := range responses {
			if seen[r.Location] {
				continue
			}
			seen[r.Location] = true
			info, err := device.FetchDescription(ctx, nil, r.Location)
			if err != nil {
				log.Printf("  %s: %v", r.Location, err)
				continue
			}
			log.Printf("  %s (%s) host=%s control=%s", info.Name, info.Manufacturer, info.Hostname, info.ControlURL)
		}

	case "play":
		_ = playCmd.Parse(os.Args[2:])
		if *playDevice == "" || *playVideo == "" {
			log.Print("Set -device and -video")
			os.Exit(1)
		}
		ctrl, err := newController(cfg)
		if err != nil {
			log.Printf("Init failed: %v", err)
			os.Exit(1)
		}
		defer ctrl.close()

		info, ok := registerInfoFor(ctrl, *playDevice, *playControlURL)
		if !ok {
			log.Printf("No config entry for %q; pass -control-url", *playDevice)
			os.Exit(1)
		}
		ctrl.manager.Register(info)
		ctrl.manager.SetUserControl(*playDevice, true)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := ctrl.manager.Play(ctx, *playDevice, *playVideo, *playLoop); err != nil {
			log.Printf("Play failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Playing %s on %s. Ctrl-C to stop.", *playVideo, *playDevice)
		waitCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-waitCtx.Done()
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelStop()
		if err := ctrl.manager.Stop(stopCtx, *playDevice); err != nil {
			log.Printf("Stop failed: %v", err)
		}

	case "stop":
		_ = stopCmd.Parse(os.Args[2:])
		if *stopDevice == "" {
			log.Print("Set -device")
			os.Exit(1)
		}
		ctrl, err := newController(cfg)
		if err != nil {
			log.Printf("Init failed: %v", err)
			os.Exit(1)
		}
		defer ctrl.close()
		info, ok := registerInfoFor(ctrl, *stopDevice, "")
		if !ok {
			log.Printf("No config entry for %q", *stopDevice)
			os.Exit(1)
		}
		ctrl.manager.Register(info)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ctrl.manager.Stop(ctx, *stopDevice); err != nil {
			log.Printf("Stop failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Stopped %s", *stopDevice)

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		if *checkURL == "" {
			log.Print("Set -control-url")
			os.Exit(1)
		}
		client := avtransport.NewClient(*checkURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		info, err := client.GetTransportInfo(ctx)
		if err != nil {
			log.Printf("Check failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Transport state: %s (status %s)", info.State, info.Status)
		if pos, err := client.GetPositionInfo(ctx); err == nil {
			log.Printf("Position: %s / %s  uri=%s", pos.RelTime, pos.TrackDuration, pos.TrackURI)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

// registerInfoFor builds registration info for a manual command, preferring
// the config table and falling back to an explicit control URL.
func registerInfoFor(ctrl *controller, name, controlURL string) (device.RegisterInfo, bool) {
	if cfg, ok := ctrl.devices.Get(name); ok {
		return device.RegisterInfo{
			Name:         cfg.Name,
			Type:         cfg.Type,
			Hostname:     cfg.Hostname,
			ControlURL:   cfg.ActionURL,
			FriendlyName: cfg.FriendlyName,
			Manufacturer: cfg.Manufacturer,
			Location:     cfg.Location,
		}, true
	}
	if controlURL == "" {
		return device.RegisterInfo{}, false
	}
	return device.RegisterInfo{
		Name:       name,
		Type:       config.TypeDLNA,
		ControlURL: controlURL,
	}, true
}

// runController is the long-lived mode: discovery loop, config watcher and
// the status endpoint, all stopped together on SIGINT/SIGTERM.
func runController(cfg *config.Config) error {
	ctrl, err := newController(cfg)
	if err != nil {
		return err
	}
	defer ctrl.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WatchDeviceFile && cfg.DeviceFile != "" {
		go func() {
			err := ctrl.devices.Watch(ctx, cfg.DeviceFile, func(loaded []string) {
				log.Printf("Device file reloaded: %d entries", len(loaded))
				ctrl.manager.AssignAll(ctx)
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("Device file watcher failed: %v", err)
			}
		}()
	}

	dsc := &device.Discoverer{
		Manager:             ctrl.manager,
		Interval:            cfg.DiscoveryInterval,
		ConnectivityTimeout: cfg.ConnectivityTimeout,
	}
	go func() {
		if err := dsc.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Discovery loop failed: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           ctrl.statusMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		dsc.Stop()
	}()

	log.Printf("Controller up: status on %s, discovery every %s", cfg.Addr, cfg.DiscoveryInterval)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
