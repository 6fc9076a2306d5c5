package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/internal/version"
	"github.com/remotecc/remotecc/pkg/api"
	"github.com/remotecc/remotecc/pkg/config"
	"github.com/remotecc/remotecc/pkg/dispatch"
	"github.com/remotecc/remotecc/pkg/httprpc"
	"github.com/remotecc/remotecc/pkg/httprpc/multirpc"
	"github.com/remotecc/remotecc/pkg/runtime"
	"github.com/remotecc/remotecc/pkg/subproc"
	"github.com/remotecc/remotecc/pkg/sysinfo"
	"github.com/remotecc/remotecc/pkg/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the dispatcher daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// buildStack wires the dispatcher from configuration. The returned
// cleanup tears everything down in reverse order.
func buildStack(cfg *config.Config, spawnHelper bool) (*dispatch.Dispatcher, *runtime.Manager, func(), error) {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = sysinfo.NumCPUs() + 1
	}
	wm := runtime.NewManager()
	wm.Start(numWorkers)

	// The transport dials the proxy when one is configured; the
	// CONNECT preamble (TLS) or absolute-form request line (plain)
	// carries the real destination.
	dialHost, dialPort := cfg.Backend.DestHostName, cfg.Backend.DestPort
	if cfg.Backend.ProxyHost != "" {
		dialHost, dialPort = cfg.Backend.ProxyHost, cfg.Backend.ProxyPort
	}
	clientOpts := httprpc.Options{
		DestHostName:           cfg.Backend.DestHostName,
		DestPort:               cfg.Backend.DestPort,
		UseSSL:                 cfg.Backend.UseSSL,
		ProxyHost:              cfg.Backend.ProxyHost,
		ProxyPort:              cfg.Backend.ProxyPort,
		ContentTypeForProtobuf: cfg.Backend.ContentTypeForProtobuf,
		StartCompression:       cfg.Backend.StartCompression,
		Timeout:                cfg.Backend.Timeout,
		MaxRetries:             cfg.Backend.MaxRetries,
		SocketFactory:          transport.NewTCPSocketFactory(dialHost, dialPort),
	}
	if cfg.Backend.UseSSL {
		clientOpts.TLSEngineFactory = &transport.StdTLSEngineFactory{
			ServerName: cfg.Backend.DestHostName,
		}
	}
	client := httprpc.NewClient(wm, clientOpts)

	var multi *multirpc.MultiRPC
	if cfg.MultiRPC.Enabled {
		multi = multirpc.NewMultiRPC(wm, client,
			cfg.Dispatch.ExecPath, cfg.Dispatch.MultiExecPath,
			multirpc.Options{
				MaxReqInCall:           cfg.MultiRPC.MaxReqInCall,
				ReqSizeThresholdInCall: cfg.MultiRPC.ReqSizeThresholdInCall.Int(),
				CheckInterval:          cfg.MultiRPC.CheckInterval(),
			})
	}

	var spClient *subproc.Client
	if spawnHelper {
		var err error
		spClient, err = subproc.Spawn(wm, subproc.Options{
			MaxSubprocs:            cfg.Subproc.MaxSubprocs,
			MaxSubprocsLowPriority: cfg.Subproc.MaxSubprocsLowPriority,
			MaxSubprocsHeavyWeight: cfg.Subproc.MaxSubprocsHeavyWeight,
			DontKillSubprocess:     cfg.Subproc.DontKillSubprocess,
			EnableCrashDump:        cfg.Subproc.EnableCrashDump,
		})
		if err != nil {
			wm.Finish()
			return nil, nil, nil, fmt.Errorf("spawn subprocess helper: %w", err)
		}
	}

	var resultCache *dispatch.ResultCache
	if cfg.Dispatch.CacheDir != "" {
		var err error
		resultCache, err = dispatch.OpenResultCache(cfg.Dispatch.CacheDir)
		if err != nil {
			wm.Finish()
			return nil, nil, nil, err
		}
	}

	watcher, err := dispatch.NewCompilerWatcher(cfg.Dispatch.WatchCompilers)
	if err != nil {
		wm.Finish()
		return nil, nil, nil, err
	}

	d := dispatch.NewDispatcher(cfg, wm, client, multi, spClient, resultCache, watcher)
	cleanup := func() {
		d.Shutdown()
		wm.Finish()
	}
	return d, wm, cleanup, nil
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}
	logger.Info("remotecc starting",
		"version", version.Version,
		logger.KeyHost, cfg.Backend.DestHostName,
		logger.KeyPort, cfg.Backend.DestPort)

	d, _, cleanup, err := buildStack(cfg, true)
	if err != nil {
		return err
	}
	defer cleanup()

	d.StartHealthProbe(30 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.API.Enabled {
		server := api.NewServer(cfg.API.Listen, d)
		if err := server.Start(ctx); err != nil {
			return err
		}
	} else {
		<-ctx.Done()
	}
	logger.Info("remotecc shutting down")
	return nil
}
