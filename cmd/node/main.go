package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"
	"google.golang.org/grpc"

	"github.com/Sh00ty/flowdeploy/internal/deploy"
	"github.com/Sh00ty/flowdeploy/internal/deployserver"
	"github.com/Sh00ty/flowdeploy/internal/eventlog"
	"github.com/Sh00ty/flowdeploy/internal/executor"
	"github.com/Sh00ty/flowdeploy/internal/gateway"
	"github.com/Sh00ty/flowdeploy/internal/memberlist"
	"github.com/Sh00ty/flowdeploy/internal/memgroup"
	"github.com/Sh00ty/flowdeploy/internal/metrics"
	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
	"github.com/Sh00ty/flowdeploy/internal/redeploy"
	"github.com/Sh00ty/flowdeploy/internal/registry"
	"github.com/Sh00ty/flowdeploy/internal/repository/postgres"
	"github.com/Sh00ty/flowdeploy/internal/rmclient"
	"github.com/Sh00ty/flowdeploy/internal/router"
	"github.com/Sh00ty/flowdeploy/internal/rpcjson"
	"github.com/Sh00ty/flowdeploy/internal/sender"
	"github.com/Sh00ty/flowdeploy/internal/supervisor"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	NodeID      string `envconfig:"NODE_ID"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`
	ListenAddr  string `envconfig:"LISTEN_ADDR,default=0.0.0.0:9400"`
	StatsdAddr  string `envconfig:"STATSD_ADDR,optional"`

	DeviceType  int32    `envconfig:"DEVICE_TYPE,default=0"`
	DeviceIDs   []int32  `envconfig:"DEVICE_IDS"`
	GroupPrefix string   `envconfig:"MEM_GROUP_PREFIX,default=flowdeploy"`
	QueueDepth  int      `envconfig:"QUEUE_DEPTH,default=1024"`
	BaseDir     string   `envconfig:"BASE_DIR"`
	LibraryPath string   `envconfig:"WORKER_LD_LIBRARY_PATH,optional"`
	UnsetEnv    []string `envconfig:"WORKER_UNSET_ENV,optional"`

	BuiltinBin     string `envconfig:"BUILTIN_EXECUTOR_BIN,optional"`
	UDFBin         string `envconfig:"UDF_EXECUTOR_BIN,optional"`
	QueueRouterBin string `envconfig:"QUEUE_ROUTER_BIN"`

	ResourceManagerAddr    string        `envconfig:"RESOURCE_MANAGER_ADDR,optional"`
	ResourceManagerTimeout time.Duration `envconfig:"RESOURCE_MANAGER_TIMEOUT,default=30s"`

	ForkLimit        int           `envconfig:"FORK_LIMIT,default=12"`
	BroadcastLimit   int           `envconfig:"BROADCAST_LIMIT,default=32"`
	LoadTimeout      time.Duration `envconfig:"LOAD_TIMEOUT,default=60s"`
	BatchLoadTimeout time.Duration `envconfig:"BATCH_LOAD_TIMEOUT,default=8400s"`
	UnloadTimeout    time.Duration `envconfig:"UNLOAD_TIMEOUT,default=300s"`
	ResponseTimeout  time.Duration `envconfig:"UDF_RESPONSE_TIMEOUT,default=20m"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT,default=10s"`
	WatchInterval    time.Duration `envconfig:"PROCESS_WATCH_INTERVAL,default=10ms"`

	LocalHeartbeat       bool          `envconfig:"LOCAL_HEARTBEAT,default=false"`
	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL,default=2s"`
	LoadAwareRouting     bool          `envconfig:"LOAD_AWARE_ROUTING,default=false"`
	ResendEventsInterval time.Duration `envconfig:"RESEND_EVENTS_INTERVAL,default=10s"`
	GossipEnabled        bool          `envconfig:"GOSSIP_ENABLED,default=false"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msg("failed to read .env file")
	}
	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))
	if len(appCfg.DeviceIDs) == 0 {
		log.Fatal().Msg("node has no devices")
	}
	nodeID := models.NodeID(appCfg.NodeID)
	deviceType := models.DeviceType(appCfg.DeviceType)
	log.Warn().Msgf("running node %s with %s devices %v", nodeID, deviceType, appCfg.DeviceIDs)

	var m metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		st := metrics.NewStatsd(string(nodeID), "", appCfg.StatsdAddr)
		defer st.Close()
		m = st
	}

	sup := supervisor.New(appCfg.WatchInterval, m)
	sup.Start()
	defer sup.Stop()

	queues := queue.NewMemoryFactory(appCfg.QueueDepth)
	groups := memgroup.NewLocal(appCfg.GroupPrefix+"_"+string(nodeID), appCfg.DeviceIDs)
	granter := gateway.NewLocalGranter()

	backend, err := gateway.StartProcessBackend(ctx, gateway.ProcessConfig{
		BinPath:         appCfg.QueueRouterBin,
		BaseDir:         appCfg.BaseDir,
		LibraryPath:     appCfg.LibraryPath,
		UnsetEnv:        appCfg.UnsetEnv,
		DeviceID:        appCfg.DeviceIDs[0],
		DeviceType:      deviceType,
		RequestTimeout:  appCfg.LoadTimeout,
		ShutdownTimeout: appCfg.ShutdownTimeout,
	}, sup, queues, granter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start queue gateway")
	}
	defer backend.Stop()
	gw := gateway.New(backend, deviceType)

	execCfg := executor.Config{
		NodeID:           nodeID,
		DeviceType:       deviceType,
		BaseDir:          appCfg.BaseDir,
		LibraryPath:      appCfg.LibraryPath,
		UnsetEnv:         appCfg.UnsetEnv,
		ForkLimit:        appCfg.ForkLimit,
		BroadcastLimit:   appCfg.BroadcastLimit,
		LoadTimeout:      appCfg.LoadTimeout,
		BatchLoadTimeout: appCfg.BatchLoadTimeout,
		UnloadTimeout:    appCfg.UnloadTimeout,
		ResponseTimeout:  appCfg.ResponseTimeout,
		ShutdownTimeout:  appCfg.ShutdownTimeout,
	}
	deps := executor.Deps{
		Supervisor: sup,
		Queues:     queues,
		Groups:     groups,
		Granter:    backend,
		Metrics:    m,
	}
	handles := make([]executor.Handle, 0, 3)
	if appCfg.BuiltinBin != "" {
		cfg := execCfg
		cfg.BinPath = appCfg.BuiltinBin
		handles = append(handles, executor.NewBuiltin(cfg, deps, appCfg.DeviceIDs[0]))
	}
	if appCfg.UDFBin != "" {
		cfg := execCfg
		cfg.BinPath = appCfg.UDFBin
		handles = append(handles, executor.NewUDF(cfg, deps, executor.SelfLocator{}))
	}
	if appCfg.ResourceManagerAddr != "" {
		rm, err := rmclient.NewClient(appCfg.ResourceManagerAddr, nodeID, appCfg.ResourceManagerTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create resource manager client")
		}
		defer rm.Close()
		handles = append(handles, executor.NewProxy(execCfg, rm))
	}

	routerOpts := []router.Option{}
	if appCfg.LoadAwareRouting {
		routerOpts = append(routerOpts, router.WithPolicy(router.PolicyLoadAware))
	}
	events := make(chan models.AbnormalEvent, 1024)
	dc := deploy.New(deploy.Config{
		NodeID:            nodeID,
		HeartbeatInterval: appCfg.HeartbeatInterval,
		RouterOptions:     routerOpts,
	}, handles, gw, events, m)
	err = dc.Initialize(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize executors")
	}
	defer func() {
		finCtx, finCancel := context.WithTimeout(context.Background(), 2*appCfg.ShutdownTimeout)
		defer finCancel()
		if err := dc.Finalize(finCtx); err != nil {
			log.Error().Err(err).Msg("failed to finalize deployment")
		}
	}()

	sinks := startSinks(ctx, nodeID, dc)
	defer sinks.close()
	eventSender := sender.NewSenderController(events, sinks.tee, appCfg.ResendEventsInterval)
	go eventSender.Run(ctx)

	if appCfg.LocalHeartbeat {
		go func() {
			if err := dc.RunHeartbeat(ctx); err != nil {
				log.Error().Err(err).Msg("local heartbeat stopped")
			}
		}()
	}

	if appCfg.GossipEnabled {
		gossip := startGossip(ctx, nodeID, appCfg.DeviceIDs, dc)
		defer func() {
			_ = gossip.GracefulClose(time.Second)
		}()
	}

	registryCfg := registry.Config{}
	err = envconfig.Init(&registryCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read etcd config")
	}
	if registryCfg.Enabled() {
		reg, err := registry.NewClient(registryCfg, registry.NodeRecord{
			NodeID:     nodeID,
			DeviceType: deviceType,
			DeviceIDs:  appCfg.DeviceIDs,
			Address:    appCfg.ListenAddr,
			StartedAt:  time.Now(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create etcd client")
		}
		err = reg.Register(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to register node")
		}
		defer reg.Close(context.Background())
		go func() {
			select {
			case <-ctx.Done():
			case <-reg.Done():
				log.Error().Msg("etcd lease is lost, node is invisible for the deployer")
			}
		}()
	}

	redeployCfg := redeploy.Config{}
	err = envconfig.Init(&redeployCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read redeploy watcher config")
	}
	if redeployCfg.Path != "" {
		watcher, err := redeploy.NewWatcher(nodeID, redeployCfg, events)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to watch deployment config")
		}
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	srv := grpc.NewServer(
		rpcjson.ServerOption(),
		grpc.UnaryInterceptor(deployserver.LoggingInterceptor(m)),
	)
	deployserver.RegisterDeployNodeServer(srv, deployserver.NewServer(dc))
	go func() {
		ls, err := net.Listen("tcp4", appCfg.ListenAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to bind server addr")
		}
		err = srv.Serve(ls)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start serving grpc requests")
		}
	}()
	log.Info().Msgf("serving control requests on %s", appCfg.ListenAddr)

	<-ctx.Done()
	log.Warn().Msg("shutting down node")
	srv.GracefulStop()
}

type sinkSet struct {
	tee     sender.Tee
	closers []func()
}

func (s sinkSet) close() {
	for _, fn := range s.closers {
		fn()
	}
}

func startSinks(ctx context.Context, nodeID models.NodeID, dc *deploy.DeployContext) sinkSet {
	set := sinkSet{}

	pgCfg := postgres.Config{}
	err := envconfig.Init(&pgCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read postgres config")
	}
	if pgCfg.Enabled() {
		repo, err := postgres.NewRepo(ctx, pgCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init postgres repository")
		}
		err = repo.Migrate(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to migrate postgres repository")
		}
		set.tee = append(set.tee, repo)
		set.closers = append(set.closers, repo.Close)
	}

	kafkaCfg := eventlog.Config{}
	err = envconfig.Init(&kafkaCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read kafka config")
	}
	if kafkaCfg.Enabled() {
		publisher := eventlog.NewPublisher(kafkaCfg.Brokers, kafkaCfg.Topic)
		set.tee = append(set.tee, publisher)
		set.closers = append(set.closers, func() {
			_ = publisher.Close()
		})

		w := eventlog.NewAckWatcher(nodeID, kafkaCfg.Brokers, kafkaCfg.AckTopic, dc)
		set.closers = append(set.closers, func() {
			_ = w.Close()
		})
		go func() {
			err := w.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("redeploy ack watcher stopped")
			}
		}()
	}
	if len(set.tee) == 0 {
		log.Warn().Msg("no abnormal event sinks configured, events are only logged")
	}
	return set
}

func startGossip(ctx context.Context, nodeID models.NodeID, deviceIDs []int32, dc *deploy.DeployContext) *memberlist.MemberList {
	gossipCfg := memberlist.Config{}
	err := envconfig.Init(&gossipCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read memberlist config")
	}
	membershipEvents := make(chan models.MemberShipEvent, 256)
	gossip, err := memberlist.New(ctx, nodeID, deviceIDs, gossipCfg, membershipEvents)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init memberlist")
	}
	err = gossip.Join(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to join gossip cluster")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-membershipEvents:
				dc.HandlePeerEvent(ctx, event)
			}
		}
	}()
	log.Info().Msg("joined gossip cluster")
	return gossip
}
