package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goserial "go.bug.st/serial"

	"github.com/banshee-data/fusion.report/internal/collision"
	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/dispatch"
	"github.com/banshee-data/fusion.report/internal/dsrc"
	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/radar"
	"github.com/banshee-data/fusion.report/internal/scenedb"
	"github.com/banshee-data/fusion.report/internal/timeutil"
	"github.com/banshee-data/fusion.report/internal/version"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address for the debug HTTP server")
	configPath   = flag.String("config", "", "Path to tuning config JSON (defaults apply if empty)")
	dbFile       = flag.String("db", "scene_data.db", "Path to the scene database")
	noDSRC       = flag.Bool("no-dsrc", false, "Disable the DSRC source")
	noRadar      = flag.Bool("no-radar", false, "Disable the radar source")
	loadDSRCLog  = flag.String("load-dsrc-log", "", "Replay DSRC frames from a pcap instead of listening")
	loadRadarLog = flag.String("load-radar-log", "", "Replay radar lines from a log instead of the adapter")
	dsrcListen   = flag.String("dsrc-listen", ":5005", "UDP listen address for live DSRC frames")
	radarDevice  = flag.String("radar-port", "/dev/ttySC1", "Serial device of the CAN radar adapter")
	radarBaud    = flag.Int("radar-baud", 115200, "Baud rate of the CAN radar adapter")
	replaySpeed  = flag.Float64("replay-speed", 0, "Replay speed multiplier (0 uses the config value)")
	warnDistance = flag.Float64("warn-distance", 10, "Collision warning radius in metres")
)

const countersFlushInterval = 10 * time.Second

func combinerConfig(cfg *config.TuningConfig) fusion.CombinerConfig {
	return fusion.CombinerConfig{
		AssociationDistanceM: cfg.GetAssociationDistanceM(),
		AssociationWindow:    cfg.GetAssociationWindow(),
		StalenessTimeout:     cfg.GetStalenessTimeout(),
		PublishPolicy:        fusion.PublishPolicy(cfg.GetPublishPolicy()),
		CoalesceInterval:     cfg.GetCoalesceInterval(),
		QueueDepth:           cfg.GetConsumerQueueSize(),
		DSRCWeight:           cfg.GetDSRCWeight(),
	}
}

// buildDSRCParser opens the DSRC input side: a pcap replay when a log path is
// given, otherwise a live UDP listener.
func buildDSRCParser(speed float64, clock timeutil.Clock) (dispatch.Parser, error) {
	if *loadDSRCLog != "" {
		return dsrc.OpenReplay(*loadDSRCLog, speed, clock)
	}
	conn, err := net.ListenPacket("udp", *dsrcListen)
	if err != nil {
		return nil, err
	}
	return dsrc.NewLiveParser(conn, clock), nil
}

// buildRadarParser opens the radar input side: a line-log replay when a log
// path is given, otherwise the CAN adapter's serial channel.
func buildRadarParser(speed float64, clock timeutil.Clock) (dispatch.Parser, error) {
	if *loadRadarLog != "" {
		return radar.OpenReplay(*loadRadarLog, speed, clock)
	}
	port, err := goserial.Open(*radarDevice, &goserial.Mode{BaudRate: *radarBaud})
	if err != nil {
		return nil, err
	}
	return radar.NewLiveParser(port), nil
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("fusion-report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg := &config.TuningConfig{}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}
	speed := cfg.GetReplaySpeed()
	if *replaySpeed > 0 {
		speed = *replaySpeed
	}

	db, err := scenedb.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open scene database: %v", err)
	}
	defer db.Close()

	clock := timeutil.RealClock{}
	combiner := fusion.NewCombiner(combinerConfig(cfg), clock)
	defer combiner.Close()

	// Consumers: the collision predictor and the scene recorder. Each gets
	// its own bounded queue inside the combiner.
	predictor := collision.NewPredictor(*warnDistance)
	combiner.RegisterConsumer(predictor)
	combiner.RegisterConsumer(db)

	var parsers []dispatch.Parser
	if !*noDSRC {
		p, err := buildDSRCParser(speed, clock)
		if err != nil {
			log.Fatalf("failed to open DSRC source: %v", err)
		}
		parsers = append(parsers, p)
	}
	if !*noRadar {
		p, err := buildRadarParser(speed, clock)
		if err != nil {
			log.Fatalf("failed to open radar source: %v", err)
		}
		parsers = append(parsers, p)
	}
	if len(parsers) == 0 {
		log.Fatal("both sources disabled, nothing to do")
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the combiner's publication loop (a no-op wait under per-update
	// publishing, the pacing ticker under coalesced publishing)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := combiner.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("combiner terminated: %v", err)
		}
		log.Print("combiner routine terminated")
	}()

	// one dispatcher per source, each relaying its parser to the combiner
	for _, p := range parsers {
		wg.Add(1)
		go func(p dispatch.Parser) {
			defer wg.Done()
			if err := dispatch.New(p, combiner).Run(ctx); err != nil && err != context.Canceled {
				log.Printf("%s dispatcher terminated: %v", p.Source(), err)
			}
		}(p)
	}

	// periodically sample the pipeline counters into the database
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(countersFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if err := db.RecordCounters(counterSample(combiner)); err != nil {
					log.Printf("failed to record counters: %v", err)
				}
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		db.AttachAdminRoutes(mux)

		apiMux := NewServer(combiner, predictor, db).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// final counter sample so short runs and replays leave a record
	if err := db.RecordCounters(counterSample(combiner)); err != nil {
		log.Printf("failed to record final counters: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
