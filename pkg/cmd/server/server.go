package server

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // by design
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/config"
	"github.com/ovalboard/lapboard-service-go/pkg/feed"
	"github.com/ovalboard/lapboard-service-go/pkg/gateway"
	"github.com/ovalboard/lapboard-service-go/pkg/relay"
	"github.com/ovalboard/lapboard-service-go/pkg/signalr"
	"github.com/ovalboard/lapboard-service-go/pkg/utils"
)

var appConfig config.Config // holds processed config values

const feedRestartDelay = 5 * time.Second

//nolint:funlen // by design
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "starts the relay and the viewer gateway",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			appConfig = config.Config{}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer()
		},
	}
	cmd.Flags().StringVar(&config.ListenAddr,
		"listen-addr",
		"localhost:8090",
		"listen address for the http server")
	cmd.Flags().StringVar(&config.RelayBasePath,
		"relay-base-path",
		"/relay",
		"mount path of the protocol relay")
	cmd.Flags().StringVar(&config.UpstreamHostHeader,
		"upstream-host-header",
		"",
		"overrides the Host header sent to the upstream")
	cmd.Flags().StringVar(&config.NatsURL,
		"nats-url",
		"",
		"messaging broker url for feed republishing (empty disables)")
	cmd.Flags().StringVar(&config.NatsSubject,
		"nats-subject",
		"lapboard.live",
		"base subject for republished feed messages")
	cmd.Flags().StringVar(&config.LogLevel,
		"logLevel",
		"info",
		"controls the log level (debug, info, warn, error, fatal)")
	cmd.Flags().StringVar(&config.LogFormat,
		"logFormat",
		"json",
		"controls the log output format")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data")
	cmd.Flags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")
	cmd.Flags().BoolVar(&appConfig.PrintMessage,
		"print-message",
		false,
		"if true and log level is debug, the message payload will be printed")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

//nolint:funlen,cyclop // by design
func startServer() error {
	var telemetry *config.Telemetry
	log.ResetDefault(setupLogger())

	log.Debug("Config:",
		log.String("url", config.URL),
		log.String("listenAddr", config.ListenAddr),
		log.String("relayBasePath", config.RelayBasePath),
	)

	if config.ProfilingPort > 0 {
		log.Info("Starting profiling server on port", log.Int("port", config.ProfilingPort))
		go func() {
			//nolint:gosec // by design
			err := http.ListenAndServe(
				fmt.Sprintf("localhost:%d", config.ProfilingPort),
				nil)
			if err != nil {
				log.Error("Profiling server stopped", log.ErrorField(err))
			}
		}()
	}

	waitForRequiredServices()

	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		var err error
		if telemetry, err = config.SetupTelemetry(context.Background()); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	log.Info("Starting server")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, natsPub, err := setupGateway()
	if err != nil {
		log.Error("server could not be started", log.ErrorField(err))
		return err
	}
	mux, err := registerRoutes(gw)
	if err != nil {
		log.Error("server could not be started", log.ErrorField(err))
		return err
	}

	go superviseFeed(ctx, gw)

	httpServer := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           newCORS().Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Starting http server", log.String("addr", config.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			log.Error("http server stopped", log.ErrorField(err))
		}
	}()

	log.Info("Server started")
	setupGoRoutinesDump()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	v := <-sigChan
	log.Debug("Got signal ", log.Any("signal", v))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	//nolint:errcheck // best effort shutdown
	httpServer.Shutdown(shutdownCtx)
	gw.Close()
	if natsPub != nil {
		natsPub.Close()
	}
	if telemetry != nil {
		telemetry.Shutdown()
	}

	log.Info("Server terminated")
	return nil
}

func setupLogger() *log.Logger {
	if config.LogConfig != "" {
		logConfig, err := log.LoadConfig(config.LogConfig)
		if err == nil {
			logger, filterErr := log.NewWithFilters(
				os.Stderr,
				logConfig.Level(parseLogLevel(config.LogLevel, log.InfoLevel)),
				logConfig.Rules(),
				log.WithCaller(true),
				log.AddCallerSkip(1))
			if filterErr == nil {
				return logger
			}
			err = filterErr
		}
		fmt.Fprintf(os.Stderr, "could not load log config %s: %v\n", config.LogConfig, err)
	}
	switch config.LogFormat {
	case "json":
		return log.New(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	default:
		return log.DevLogger(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.DebugLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	}
}

// liveFeed holds the server-side feed session; superviseFeed replaces it
// after every terminal disconnect.
var (
	liveFeedMu sync.RWMutex
	liveFeed   *feed.Feed
)

func currentFeed() *feed.Feed {
	liveFeedMu.RLock()
	defer liveFeedMu.RUnlock()
	return liveFeed
}

func setupGateway() (*gateway.Gateway, *gateway.NatsPublisher, error) {
	var natsPub *gateway.NatsPublisher
	gwOpts := []gateway.Option{
		gateway.WithStatusFunc(feedStatus),
	}
	if config.NatsURL != "" {
		var err error
		natsPub, err = gateway.NewNatsPublisher(config.NatsURL, config.NatsSubject)
		if err != nil {
			return nil, nil, err
		}
		gwOpts = append(gwOpts, gateway.WithNatsPublisher(natsPub))
	}
	return gateway.NewGateway(gwOpts...), natsPub, nil
}

func feedStatus() gateway.Status {
	ret := gateway.Status{ActiveColours: []string{}}
	f := currentFeed()
	if f == nil {
		return ret
	}
	ret.Connected = f.Active()
	ret.Dialect = f.Dialect().String()
	ret.ActiveColours = f.Processor().ActiveColourList()
	return ret
}

func registerRoutes(gw *gateway.Gateway) (*http.ServeMux, error) {
	relayOpts := []relay.Option{
		relay.WithBasePath(config.RelayBasePath),
	}
	if config.UpstreamHostHeader != "" {
		relayOpts = append(relayOpts, relay.WithHostOverride(config.UpstreamHostHeader))
	}
	rl, err := relay.NewRelay(config.URL, relayOpts...)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(rl.BasePath()+"/", rl)
	gw.RegisterRoutes(mux)
	return mux, nil
}

// superviseFeed keeps one upstream feed session alive. The legacy dialect
// has no automatic reconnect, a terminal disconnect just starts over.
func superviseFeed(ctx context.Context, gw *gateway.Gateway) {
	feedOpts := []feed.Option{
		feed.WithSnapshotCallback(gw.PublishSnapshot),
		feed.WithColourUpdateCallback(gw.PublishColourUpdate),
		feed.WithStatusCallback(gw.PublishStatus),
	}
	connOpts := []signalr.Option{
		signalr.WithDirect(config.DirectConnect),
	}
	if config.HubName != "" {
		connOpts = append(connOpts, signalr.WithHub(config.HubName))
	}
	for ctx.Err() == nil {
		f, err := feed.StartAuto(ctx, config.URL, feedOpts, connOpts...)
		if err != nil {
			log.Warn("feed connect failed, retrying",
				log.String("url", config.URL),
				log.Duration("delay", feedRestartDelay),
				log.ErrorField(err))
		} else {
			liveFeedMu.Lock()
			liveFeed = f
			liveFeedMu.Unlock()
			log.Info("feed connected", log.String("dialect", f.Dialect().String()))
			select {
			case <-f.Done():
				log.Warn("feed terminated, restarting",
					log.Duration("delay", feedRestartDelay))
			case <-ctx.Done():
				f.Stop()
				return
			}
		}
		select {
		case <-time.After(feedRestartDelay):
		case <-ctx.Done():
			return
		}
	}
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

func waitForRequiredServices() {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}

	wg := sync.WaitGroup{}
	checkTCP := func(addr string) {
		if err = utils.WaitForTCP(addr, timeout); err != nil {
			log.Warn("upstream not reachable yet", log.ErrorField(err))
		}
		wg.Done()
	}
	checkHTTP := func(url string) {
		if err = utils.WaitForHTTPResponse(url, timeout); err != nil {
			log.Warn("upstream not answering yet", log.ErrorField(err))
		}
		wg.Done()
	}
	if addr, proto := utils.ExtractFromTimingURL(config.URL); addr != "" {
		wg.Add(1)
		go checkTCP(addr)
		if proto == "http" || proto == "https" {
			wg.Add(1)
			go checkHTTP(config.URL)
		}
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	log.Debug("Required services are available")
}

func newCORS() *cors.Cors {
	// board viewers are served from arbitrary origins
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowOriginFunc: func(_ string) bool { return true },
		AllowedHeaders:  []string{"*"},
		ExposedHeaders:  []string{"*"},
	})
}
