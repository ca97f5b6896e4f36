package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"vital-recorder/controller"
	"vital-recorder/services/ingest"
	"vital-recorder/utils"
	"vital-recorder/views"
)

// hubListener bridges session/source transitions onto the websocket hub.
type hubListener struct {
	hub *views.StatusHub
	sc  *controller.SessionController
}

func (l *hubListener) SessionChanged(s controller.SessionState) {
	l.publish(s.String(), "", "")
}

func (l *hubListener) SourceChanged(ev ingest.StatusEvent) {
	errStr := ""
	if ev.Err != nil {
		errStr = ev.Err.Error()
	}
	l.publish(l.sc.Status().String(), ev.Source.String()+":"+ev.State.String(), errStr)
}

func (l *hubListener) publish(session, source, errStr string) {
	l.hub.Publish(map[string]any{
		"session": session,
		"source":  source,
		"error":   errStr,
		"stats":   l.sc.ReaderStats(),
	})
}

func main() {
	// ── CLI flags ────────────────────────────────────────────────────
	configPath := flag.String("config", "config/recorder.yaml", "path to recorder.yaml")
	logFile := flag.String("log", "", "optional log file path (stdout is always included)")
	duration := flag.Int("duration", 0, "override session.max_duration_s (0 = use config)")
	simulate := flag.Bool("simulate", false, "force simulated devices regardless of config")
	flag.Parse()

	// ── Config ───────────────────────────────────────────────────────
	cfg, err := utils.LoadRecorderConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *simulate {
		cfg.Radar.Simulate = true
		cfg.Belt.Simulate = true
	}
	if *duration > 0 {
		cfg.Session.MaxDurationS = *duration
	}
	if *logFile == "" {
		*logFile = cfg.Session.LogFile
	}
	if !filepath.IsAbs(cfg.Session.OutDir) {
		abs, _ := filepath.Abs(cfg.Session.OutDir)
		cfg.Session.OutDir = abs
	}

	// ── Logger ───────────────────────────────────────────────────────
	logger := utils.InitLogger(utils.ParseLevel(cfg.Session.LogLevel), *logFile)
	defer logger.Close()

	utils.L().Info("═══════════════════════════════════════════════════")
	utils.L().Info("  Vital-Recorder  ·  Radar + Belt Acquisition")
	utils.L().Info("  GOMAXPROCS=%d  ·  PID=%d", runtime.GOMAXPROCS(0), os.Getpid())
	utils.L().Info("═══════════════════════════════════════════════════")

	// ── Devices ──────────────────────────────────────────────────────
	// Hardware links (radar exploration service, belt serial) are driven
	// by vendor SDKs outside this build; the simulators reproduce their
	// timing, counters and failure modes.
	if !cfg.Radar.Simulate || !cfg.Belt.Simulate {
		utils.L().Fatal("hardware acquisition not configured in this build; " +
			"set radar.simulate and belt.simulate (or pass -simulate)")
	}
	radarDev := ingest.NewSimRadarDevice(cfg.Radar)
	beltDev := ingest.NewSimBeltDevice(cfg.Belt)

	// ── Context with OS signal cancellation ──────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Delayed start lets an external runner line several recorders up on
	// the same wall-clock instant.
	if d := cfg.Session.StartAfterS; d > 0 {
		utils.L().Info("waiting %.1fs before acquisition start", d)
		select {
		case <-time.After(time.Duration(d * float64(time.Second))):
		case sig := <-sigCh:
			utils.L().Info("received signal %v during start delay; exiting", sig)
			return
		}
	}

	if cfg.Session.MaxDurationS > 0 {
		var timerCancel context.CancelFunc
		ctx, timerCancel = context.WithTimeout(ctx,
			time.Duration(cfg.Session.MaxDurationS)*time.Second)
		defer timerCancel()
		utils.L().Info("recording will auto-stop after %ds", cfg.Session.MaxDurationS)
	}

	// ── Pipeline assembly ────────────────────────────────────────────
	//
	//  radar reader ──► queue ──┐
	//                           ├──► merger ──► AlignedRecord chan
	//  belt reader  ──► queue ──┘                     │
	//                                         RecordingController
	//                                        │     │     │     │
	//                                       CSV  NATS  Redis  SQLite

	sessionCtrl := controller.NewSessionController(cfg, radarDev, beltDev)

	// Sinks
	var sinks []views.Sink
	var csvSink *views.CSVSink
	if cfg.Sinks.CSV.Enabled {
		csvSink, err = views.NewCSVSink(cfg.Session, cfg.Sinks.CSV,
			sessionCtrl.Clock().WallStart())
		if err != nil {
			utils.L().Fatal("init csv sink: %v", err)
		}
		sinks = append(sinks, csvSink)
	}
	if cfg.Sinks.NATS.Enabled {
		s, err := views.NewNATSSink(cfg.Sinks.NATS)
		if err != nil {
			utils.L().Fatal("init nats sink: %v", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.Redis.Enabled {
		s, err := views.NewRedisSink(cfg.Sinks.Redis)
		if err != nil {
			utils.L().Fatal("init redis sink: %v", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.SQLite.Enabled {
		s, err := views.NewSQLiteSink(cfg.Sinks.SQLite,
			sessionCtrl.Clock().WallStart())
		if err != nil {
			utils.L().Fatal("init sqlite sink: %v", err)
		}
		sinks = append(sinks, s)
	}
	recordCtrl := controller.NewRecordingController(views.NewMultiSink(sinks...))

	// Status hub
	var hub *views.StatusHub
	if cfg.Sinks.Status.Enabled {
		hub = views.NewStatusHub(cfg.Sinks.Status.Addr)
		hub.Start()
		sessionCtrl.AddListener(&hubListener{hub: hub, sc: sessionCtrl})
	}

	// ── Run ──────────────────────────────────────────────────────────
	if err := sessionCtrl.Start(ctx); err != nil {
		utils.L().Fatal("start session: %v", err)
	}
	recordCtrl.Start(sessionCtrl.Records())

	utils.L().Info("pipeline running — press Ctrl+C to stop")

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			utils.L().Info("received signal: %v — shutting down…", sig)
			cancel()
			goto shutdown

		case <-ctx.Done():
			goto shutdown

		case err := <-sessionCtrl.Err():
			utils.L().Error("fatal: %v", err)
			cancel()
			goto shutdown

		case <-statsTicker.C:
			logStats(sessionCtrl, recordCtrl)
			if hub != nil {
				hub.Publish(map[string]any{
					"session": sessionCtrl.Status().String(),
					"stats":   sessionCtrl.ReaderStats(),
				})
			}
		}
	}

shutdown:
	sessionCtrl.Stop()
	recordCtrl.Stop()
	if hub != nil {
		_ = hub.Close()
	}

	utils.L().Info("total records written: %d", recordCtrl.RowsWritten())
	if csvSink != nil {
		utils.L().Info("session saved to: %s", csvSink.SessionDir())
		fmt.Println("\n✓ Vital-Recorder finished. Session at:", csvSink.SessionDir())
	}
}

func logStats(sc *controller.SessionController, rc *controller.RecordingController) {
	utils.L().Info("── stats ─────────────────────────")
	for src, s := range sc.ReaderStats() {
		utils.L().Info("  %-5s produced=%d timeouts=%d reconnects=%d dropped=%d",
			src, s["produced"], s["timeouts"], s["reconnects"], s["dropped"])
	}
	emitted, ticks, lost := sc.MergerStats()
	utils.L().Info("  merged=%d ticks=%d flush_lost=%d written=%d",
		emitted, ticks, lost, rc.RowsWritten())
	utils.L().Info("──────────────────────────────────")
}
