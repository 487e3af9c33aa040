package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("MotionBrainz v%s\n", version)
	fmt.Println("Motion gesture daemon: rolling sample window, magnitude trigger, classifier")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  motionbrainz [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Keeps the most recent accelerometer samples in a fixed-size circular")
	fmt.Println("  window. When a sample's magnitude crosses the trigger threshold the")
	fmt.Println("  window is classified (up/down/left/right) and the result is journaled,")
	fmt.Println("  published over MQTT and pushed to WebSocket clients.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        YAML config file (default $%s, else built-in defaults)\n", envConfigPath)
	fmt.Println()
	fmt.Println("  -env-file string")
	fmt.Println("        .env file loaded before the config (default \".env\" if present)")
	fmt.Println()
	fmt.Println("  -source string")
	fmt.Println("        Sample source: simulate|evdev|serial|none")
	fmt.Println()
	fmt.Println("  -rate-hz int")
	fmt.Printf("        Source sample rate in Hz (default %d)\n", defaultSampleHz)
	fmt.Println()
	fmt.Println("  -evdev-device string")
	fmt.Println("        Linux input event device for an accelerometer")
	fmt.Println()
	fmt.Println("  -serial-port string")
	fmt.Println("        Serial port of an IMU streaming \"x,y,z\" lines")
	fmt.Println()
	fmt.Println("  -seed uint")
	fmt.Println("        Seed for the simulated source")
	fmt.Println()
	fmt.Println("  -buffer-size int")
	fmt.Printf("        Samples kept in the rolling window (default %d)\n", defaultBufferSize)
	fmt.Println()
	fmt.Println("  -threshold float")
	fmt.Printf("        Magnitude (|x|+|y|+|z|) above which a gesture is classified (default %.2f)\n", defaultThreshold)
	fmt.Println()
	fmt.Println("  -settle-ms int")
	fmt.Printf("        Delay between the crossing and classification (default %d)\n", defaultSettleMS)
	fmt.Println()
	fmt.Println("  -cooldown-ms int")
	fmt.Printf("        Minimum time between classifications (default %d)\n", defaultCooldownMS)
	fmt.Println()
	fmt.Println("  -classifier string")
	fmt.Println("        Classifier: axis|remote (default \"axis\")")
	fmt.Println()
	fmt.Println("  -classifier-server-ip string")
	fmt.Println("        Remote classifier server IP (required for -classifier remote)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        HTTP/WebSocket listener port, 0 disables (default %d)\n", defaultHTTPPort)
	fmt.Println()
	fmt.Println("  -journal string")
	fmt.Println("        SQLite prediction journal path (empty disables)")
	fmt.Println()
	fmt.Println("  -mqtt-broker string")
	fmt.Println("        MQTT broker URL, e.g. tcp://127.0.0.1:1883 (empty disables)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Printf("  %s - config file path\n", envConfigPath)
	fmt.Printf("  %s - MQTT password\n", envMQTTPassword)
	fmt.Printf("  %s - remote classifier server IP\n", envClassifierServerIP)
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Simulated motion, axis classifier, journal in the home directory")
	fmt.Println("  motionbrainz -source simulate -journal ~/.motionbrainz/journal.db")
	fmt.Println()
	fmt.Println("  # Serial IMU and a remote classifier")
	fmt.Println("  motionbrainz -source serial -serial-port /dev/ttyUSB0 -classifier remote -classifier-server-ip 192.168.1.20")
	fmt.Println()
	fmt.Println("  # Samples pushed over IPC only")
	fmt.Println("  motionbrainz -source none && motion-ctl replay gestures.csv")
	fmt.Println()
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		envFile    = flag.String("env-file", "", ".env file loaded before the config")

		sourceKind   = flag.String("source", "", "Sample source: simulate|evdev|serial|none")
		sourceRateHz = flag.Int("rate-hz", 0, "Source sample rate in Hz")
		evdevDevice  = flag.String("evdev-device", "", "Linux input event device")
		serialPort   = flag.String("serial-port", "", "Serial port of the IMU")
		seed         = flag.Uint64("seed", 0, "Seed for the simulated source")

		bufferSize = flag.Int("buffer-size", 0, "Samples kept in the rolling window")
		threshold  = flag.Float64("threshold", 0, "Trigger magnitude threshold")
		settleMS   = flag.Int("settle-ms", 0, "Delay between the crossing and classification")
		cooldownMS = flag.Int("cooldown-ms", 0, "Minimum time between classifications")

		classifierKind     = flag.String("classifier", "", "Classifier: axis|remote")
		classifierServerIP = flag.String("classifier-server-ip", "", "Remote classifier server IP")

		ipcSocketPath = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		httpPort      = flag.Int("http-port", 0, "HTTP/WebSocket listener port (0 disables)")
		journalPath   = flag.String("journal", "", "SQLite prediction journal path")
		mqttBroker    = flag.String("mqtt-broker", "", "MQTT broker URL")

		logLevelStr = flag.String("log-level", "", "Log level: error, warn, info, debug")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// .env first, so it can supply MOTIONBRAINZ_* variables. A missing default file is fine.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintln(os.Stderr, "error: load env file:", err)
			os.Exit(1)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "error: load .env:", err)
		os.Exit(1)
	}

	// defaults -> file -> env -> flags
	cfg := DefaultConfig()
	path := *configPath
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	ApplyEnv(&cfg, os.Getenv)

	// Only flags given explicitly override the config.
	var o FlagOverrides
	if flagSet("source") {
		o.SourceKind = sourceKind
	}
	if flagSet("rate-hz") {
		o.SourceRateHz = sourceRateHz
	}
	if flagSet("evdev-device") {
		o.EvdevDevice = evdevDevice
	}
	if flagSet("serial-port") {
		o.SerialPort = serialPort
	}
	if flagSet("seed") {
		o.SimulateSeed = seed
	}
	if flagSet("buffer-size") {
		o.BufferSize = bufferSize
	}
	if flagSet("threshold") {
		o.Threshold = threshold
	}
	if flagSet("settle-ms") {
		o.SettleMS = settleMS
	}
	if flagSet("cooldown-ms") {
		o.CooldownMS = cooldownMS
	}
	if flagSet("classifier") {
		o.ClassifierKind = classifierKind
	}
	if flagSet("classifier-server-ip") {
		o.ClassifierServerIP = classifierServerIP
	}
	if flagSet("ipc-socket") {
		o.IPCSocketPath = ipcSocketPath
	}
	if flagSet("http-port") {
		o.HTTPPort = httpPort
	}
	if flagSet("journal") {
		o.JournalPath = journalPath
	}
	if flagSet("mqtt-broker") {
		o.MQTTBroker = mqttBroker
	}
	if flagSet("log-level") {
		o.LogLevel = logLevelStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logger := setupLogger(logLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("motionbrainz stopped", "error", err)
		os.Exit(1)
	}
}

// newClassifier builds the classifier selected by cfg.Classifier.Kind.
func newClassifier(cfg *Config) (Classifier, error) {
	switch cfg.Classifier.Kind {
	case ClassifierAxis:
		return AxisClassifier{
			VerticalAxis: cfg.Classifier.Axis.VerticalAxis,
			MinEnergy:    cfg.Classifier.Axis.MinEnergy,
			Decay:        defaultStateDecay,
		}, nil
	case ClassifierRemote:
		r := cfg.Classifier.Remote
		return NewRemoteClassifier(r.ServerIP, r.Port, r.Path)
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", cfg.Classifier.Kind)
	}
}

// run wires the daemon together and blocks until a signal arrives or a
// component fails.
func run(cfg Config, logger *slog.Logger) error {
	ring, err := NewSampleRing(cfg.Buffer.Size)
	if err != nil {
		return err
	}

	classifier, err := newClassifier(&cfg)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if rc, ok := classifier.(*RemoteClassifier); ok {
		logger.Info("using remote classifier", "endpoint", rc.Endpoint())
	}

	sessionID := uuid.NewString()

	deps := DaemonDeps{
		Ring:            ring,
		Classifier:      classifier,
		ClassifyTimeout: time.Duration(cfg.Classifier.TimeoutMS) * time.Millisecond,
	}

	var journal *SQLiteJournal
	if cfg.Journal.Path != "" {
		journal, err = OpenJournal(cfg.Journal.Path, logger.With("component", "journal"))
		if err != nil {
			return err
		}
		defer journal.Close()
		deps.Journal = journal
	}

	if cfg.MQTT.Broker != "" {
		pub, err := NewMQTTPublisher(cfg.MQTT, sessionID, logger.With("component", "mqtt"))
		if err != nil {
			return err
		}
		defer pub.Close()
		deps.Publisher = pub
	}

	source, err := newMotionSource(&cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Central event bus: sources, IPC and HTTP all feed the daemon brain.
	events := make(chan Event, 256)
	broadcasts := make(chan StateBroadcast, 256)
	if cfg.HTTP.Port > 0 {
		deps.Broadcasts = broadcasts
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("component failed", "component", name, "error", err)
				cancel(fmt.Errorf("%s: %w", name, err))
			}
		}()
	}

	state := NewDaemonState(sessionID, cfg.Trigger.Threshold)
	goRun("daemon", func() error {
		runDaemon(ctx, events, deps, cfg.ToReducerConfig(), state, cfg.Trigger.TickHz, logger)
		return nil
	})

	goRun("ipc", func() error {
		return runIPCServer(ctx, ExpandPath(cfg.IPC.SocketPath), events, logger)
	})

	if cfg.HTTP.Port > 0 {
		stateServer := NewStateServer(logger, events, HubConfig{})
		goRun("ws-hub", func() error {
			stateServer.Hub().Run(ctx)
			return nil
		})
		goRun("broadcaster", func() error {
			RunBroadcaster(ctx, stateServer.Hub(), broadcasts, logger.With("component", "ws"))
			return nil
		})

		api := &apiHandlers{
			ring:      ring,
			events:    events,
			hub:       stateServer.Hub(),
			sessionID: sessionID,
			logger:    logger.With("component", "http"),
		}
		if journal != nil {
			api.journal = journal
		}
		var handler http.Handler = newHTTPMux(api, stateServer)
		goRun("http", func() error {
			return runHTTPServer(ctx, cfg.HTTP.Port, handler, logger.With("component", "http"))
		})
	}

	if source != nil {
		goRun("source", func() error {
			return source.Run(ctx, events)
		})
	}

	sourceName := SourceNone
	if source != nil {
		sourceName = source.Name()
	}
	logger.Debug("configuration",
		"session_id", sessionID,
		"source", sourceName,
		"rate_hz", cfg.Source.RateHz,
		"buffer_size", cfg.Buffer.Size,
		"threshold", cfg.Trigger.Threshold,
		"settle_ms", cfg.Trigger.SettleMS,
		"cooldown_ms", cfg.Trigger.CooldownMS,
		"classifier", cfg.Classifier.Kind,
		"carry_state", cfg.Classifier.CarryState,
		"journal", cfg.Journal.Path,
		"mqtt_broker", cfg.MQTT.Broker)
	logger.Info("listening",
		"version", version,
		"source", sourceName,
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"session_id", sessionID)

	<-ctx.Done()
	logger.Info("shutting down")
	cancel(nil)
	wg.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
