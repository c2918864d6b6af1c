package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/turntable.report/internal/api"
	"github.com/banshee-data/turntable.report/internal/config"
	"github.com/banshee-data/turntable.report/internal/db"
	"github.com/banshee-data/turntable.report/internal/device"
	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/monitoring"
	"github.com/banshee-data/turntable.report/internal/mqttpub"
	"github.com/banshee-data/turntable.report/internal/scheduler"
	"github.com/banshee-data/turntable.report/internal/serialmux"
	"github.com/banshee-data/turntable.report/internal/units"
	"github.com/banshee-data/turntable.report/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	port          = flag.String("port", "/dev/ttyACM0", "Serial port of the motor controller")
	serialMode    = flag.String("serial", serialmux.DefaultPortMode, "Serial line mode as <baud>[,<framing>], e.g. 230400,8N1")
	configPath    = flag.String("config", "", "Path to a tuning JSON file (defaults apply when empty)")
	dbPath        = flag.String("db-path", "turntable.db", "SQLite database path; empty disables presets and history")
	disableDevice = flag.Bool("disable-device", false, "Run without a motor controller")
	emulate       = flag.Bool("emulate", false, "Use the built-in turntable emulator instead of a serial port")
	mqttBroker    = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883; empty disables MQTT")
	mqttTopic     = flag.String("mqtt-topic", "turntable", "MQTT topic prefix")
	unitsFlag     = flag.String("units", units.RPM, "Display speed unit ("+units.GetValidUnitsString()+")")
	versionFlag   = flag.Bool("version", false, "Print version and exit")
	debugFlag     = flag.Bool("debug", false, "Log per-frame diagnostics")
)

func printVersion() {
	fmt.Println(version.String())
}

// loadTuning reads the tuning file, or returns built-in defaults when path
// is empty.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// openTransport picks the device link: nothing, the emulator or a real port.
func openTransport(disable, emulated bool, path, mode, unit string) (serialmux.SerialMuxInterface, error) {
	switch {
	case disable:
		return serialmux.NewDisabledSerialMux(), nil
	case emulated:
		return serialmux.NewEmulatedSerialMux(serialmux.EmulatorConfig{Unit: unit}), nil
	default:
		opts, err := serialmux.ParsePortOptions(mode)
		if err != nil {
			return nil, fmt.Errorf("invalid -serial: %w", err)
		}
		return serialmux.OpenSerialMux(path, opts)
	}
}

// Main
func main() {
	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}
	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*unitsFlag) {
		log.Fatalf("invalid -units %q: expected one of %s", *unitsFlag, units.GetValidUnitsString())
	}
	monitoring.SetDebug(*debugFlag)

	tuning, err := loadTuning(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}

	transport, err := openTransport(*disableDevice, *emulate, *port, *serialMode, *unitsFlag)
	if err != nil {
		log.Fatalf("failed to open device port: %v", err)
	}
	defer transport.Close()

	engine := flutter.NewEngine(tuning.EngineOptions())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewCollector(reg)

	hub := api.NewHub()
	publishers := scheduler.Fanout{hub, collector}

	var store api.Store
	var database *db.DB
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		store = database
		recorder := db.NewRecorder(database, tuning.GetHistoryInterval(), nil)
		publishers = append(publishers, recorder)
		log.Printf("recording history to %s (session %s)", *dbPath, recorder.SessionID())
	}

	var mqttPublisher *mqttpub.Publisher
	if *mqttBroker != "" {
		mqttPublisher, err = mqttpub.Connect(mqttpub.Config{Broker: *mqttBroker, Topic: *mqttTopic, Retain: true})
		if err != nil {
			log.Fatalf("failed to start MQTT publisher: %v", err)
		}
		publishers = append(publishers, mqttPublisher)
	}

	sched := scheduler.New(engine, publishers, scheduler.Config{
		UIPeriod:     tuning.GetUITick(),
		MetricPeriod: tuning.GetMetricTick(),
	})

	controller := device.NewController(transport, engine, device.Config{
		DisplayUnit:     *unitsFlag,
		ReadbackTimeout: tuning.GetReadbackTimeout(),
		Notifier:        sched,
		Drops:           collector,
	})
	var dev api.Device
	if !*disableDevice {
		dev = controller
	}

	// Create a wait group for the HTTP server, serial monitor, ingest loop
	// and scheduler routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ingest loop failed: %v", err)
		}
		log.Print("ingest routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	if mqttPublisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mqttPublisher.Run(ctx)
			log.Print("MQTT publisher stopped")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(api.Config{
			Engine:   engine,
			Device:   dev,
			Store:    store,
			Notifier: sched,
			Hub:      hub,
			Gatherer: reg,
			Units:    *unitsFlag,
		})
		mux := srv.ServeMux()
		transport.AttachAdminRoutes(mux)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// SSE streams never finish on their own, so the grace period is short.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
