package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/classify"
	"github.com/kisy/kipepeo/pkg/config"
	"github.com/kisy/kipepeo/pkg/engine"
	"github.com/kisy/kipepeo/pkg/hook"
	"github.com/kisy/kipepeo/pkg/logger"
	"github.com/kisy/kipepeo/pkg/metrics"
	"github.com/kisy/kipepeo/pkg/monitor"
	"github.com/kisy/kipepeo/pkg/proxy"
	"github.com/kisy/kipepeo/pkg/stats"
	"github.com/kisy/kipepeo/pkg/store"
	"github.com/kisy/kipepeo/pkg/transcode"
	"github.com/kisy/kipepeo/web"
)

type serveFlags struct {
	listen      string
	proxyListen string
	iface       string
	privilege   string
	logLevel    string
	interval    int
	activate    bool
}

func newServeCommand() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the local proxy and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return serve(cfg, f.activate)
		},
	}

	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "Control API listen address (overrides config)")
	cmd.Flags().StringVar(&f.proxyListen, "proxy-listen", "", "Interception proxy listen address (overrides config)")
	cmd.Flags().StringVarP(&f.iface, "interface", "i", "", "Interface the kernel probe accounts for (overrides config)")
	cmd.Flags().StringVar(&f.privilege, "privilege", "", "Privilege detection: auto, root or user (overrides config)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (overrides config)")
	cmd.Flags().IntVar(&f.interval, "interval", 0, "Metrics push interval in seconds (overrides config)")
	cmd.Flags().BoolVar(&f.activate, "activate", false, "Activate interception on startup")
	return cmd
}

// loadConfig reads the config file and lets explicitly set flags override it.
func loadConfig(f serveFlags) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.proxyListen != "" {
		cfg.ProxyListen = f.proxyListen
	}
	if f.iface != "" {
		cfg.Probe.Interface = f.iface
	}
	if f.privilege != "" {
		cfg.Privilege = f.privilege
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.interval > 0 {
		cfg.PollInterval = f.interval
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(cfg *config.Config, activate bool) error {
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.WithComponent("main")
	log.Info("starting kipepeo", "config", configFile, "listen", cfg.Listen, "proxy_listen", cfg.ProxyListen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Ledger and classifier
	ledger := stats.NewLedger(logger.WithComponent("ledger"))
	classifier := classify.New(classify.NewRuleSet(cfg.Rules.Extensions, cfg.Rules.MIMETypes, cfg.Rules.MIMEPrefix))

	// 2. Transcoder
	codec, err := transcode.NewCodec(cfg.Transcode.Codec, cfg.Transcode.QualityLevel())
	if err != nil {
		return err
	}
	tc := transcode.New(transcode.Config{
		Codec:      codec,
		ChunkSize:  cfg.Transcode.ChunkSize,
		MaxBuffer:  cfg.Transcode.MaxBuffer,
		CacheBytes: cfg.Transcode.CacheBytes,
	}, ledger, logger.WithComponent("transcode"))
	defer tc.Close()

	// 3. Interception point. The gate and the session sink are bound once the
	// controller and the engine exist; nothing runs before then.
	var (
		ctrl *engine.Controller
		eng  *engine.Engine
	)
	upstream := http.DefaultTransport.(*http.Transport).Clone()
	upstream.Proxy = nil // never loop back through a system proxy pointing at us
	ic := proxy.NewInterceptor(upstream,
		proxy.GateFunc(func() bool { return ctrl.Active() }),
		classifier, tc,
		proxy.SinkFunc(func(rec model.SessionRecord) { eng.RecordSession(rec) }),
		logger.WithComponent("interceptor"))
	proxySrv := proxy.NewServer(cfg.ProxyListen, ic, logger.WithComponent("proxy"))

	// 4. Kernel probe and hook installers
	probe := monitor.NewProbe(ledger, monitor.NewInterfaceScope(cfg.Probe.Interface), cfg.ProbeInterval(), logger.WithComponent("probe"))
	hookLog := logger.WithComponent("hook")
	ctrl = engine.NewController(engine.ControllerConfig{
		Privilege:  hook.NewRootCheck(cfg.Privilege),
		Privileged: hook.NewPrivileged(proxySrv, probe, hookLog),
		Restricted: hook.NewRestricted(proxySrv, hookLog),
		Timeout:    cfg.ActivateTimeout(),
	}, logger.WithComponent("controller"))

	// 5. Persistence and engine
	st, err := store.Open(cfg.Store.DSN, cfg.Store.HistoryLimit, logger.WithComponent("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	eng = engine.New(engine.Options{
		Controller:      ctrl,
		Ledger:          ledger,
		Store:           st,
		RateInterval:    time.Second,
		PersistInterval: cfg.PersistEvery(),
		HistoryLimit:    cfg.Store.HistoryLimit,
		PollInterval:    cfg.Interval(),
	}, logger.WithComponent("engine"))
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("engine close", "error", err)
		}
	}()

	// 6. Metrics
	prometheus.MustRegister(metrics.NewExporter(eng, classifier, tc))

	// 7. Control API
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard
	api := web.NewServer(cfg.Listen, eng, prometheus.DefaultGatherer, logger.WithComponent("api"))
	if err := api.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.Stop(shutdownCtx); err != nil {
			log.Warn("api shutdown", "error", err)
		}
	}()

	if activate {
		status, err := eng.Activate(ctx)
		if err != nil {
			log.Error("activation on startup failed", "error", err)
		} else {
			log.Info("interception active", "hook_status", status.HookStatus)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
