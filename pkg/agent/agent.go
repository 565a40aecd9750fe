package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/application"
	"github.com/cloudfab/nodeagent/pkg/auth"
	"github.com/cloudfab/nodeagent/pkg/container"
	"github.com/cloudfab/nodeagent/pkg/dispatcher"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/launcher"
	"github.com/cloudfab/nodeagent/pkg/localizer"
	"github.com/cloudfab/nodeagent/pkg/node"
	"github.com/cloudfab/nodeagent/pkg/observability"
)

// Config represents the agent configuration
type Config struct {
	// BindAddress is "host:port" for the RPC server.
	BindAddress string

	// MetricsAddress is "host:port" for the metrics server.
	MetricsAddress string

	// ControllerAddress is "host:port" of the controller; empty disables
	// the heartbeat.
	ControllerAddress string

	// NodeID identifies this node to the controller.
	NodeID string

	// LocalDirs are the storage roots for localized resources and
	// container working directories.
	LocalDirs []string

	HeartbeatInterval time.Duration
	KillGrace         time.Duration
	KillForce         time.Duration
	CacheBytesTarget  int64

	// SecurityEnabled requires start requests to carry a container token
	// signed with TokenSigningKey.
	SecurityEnabled bool
	TokenSigningKey []byte

	Logger *zap.Logger

	// Downloader and Controller override the default collaborators; tests
	// substitute fakes here.
	Downloader localizer.Downloader
	Controller ControllerClient
}

// Validate validates the agent configuration
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind address is required")
	}
	if len(c.LocalDirs) == 0 {
		return fmt.Errorf("at least one local directory is required")
	}
	if c.NodeID == "" {
		c.NodeID = "node-" + uuid.New().String()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.SecurityEnabled && len(c.TokenSigningKey) == 0 {
		return fmt.Errorf("security is enabled but no token signing key is configured")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Agent wires the lifecycle core together and runs its outer surfaces: the
// RPC server, the metrics server and the controller heartbeat.
type Agent struct {
	config *Config
	logger *zap.Logger

	nodeCtx    *node.Context
	dispatcher *dispatcher.Dispatcher
	localizer  *localizer.Service
	launcher   *launcher.Service
	manager    *ContainerManager

	server        *Server
	metricsServer *observability.MetricsServer
	heartbeat     *Heartbeat
}

// New creates a new agent instance
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := config.Logger

	for _, dir := range config.LocalDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create local directory: %w", err)
		}
	}

	a := &Agent{
		config:     config,
		logger:     logger,
		nodeCtx:    node.NewContext(),
		dispatcher: dispatcher.New(logger),
	}

	downloader := config.Downloader
	if downloader == nil {
		var err error
		downloader, err = localizer.NewHTTPDownloader(config.LocalDirs, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create downloader: %w", err)
		}
	}

	locService, err := localizer.NewService(&localizer.Config{
		CacheBytesTarget: config.CacheBytesTarget,
		Logger:           logger,
	}, downloader, a.dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to create localization service: %w", err)
	}
	a.localizer = locService

	launchService, err := launcher.NewService(&launcher.Config{
		WorkRoot:  filepath.Join(config.LocalDirs[0], "containers"),
		KillGrace: config.KillGrace,
		KillForce: config.KillForce,
		Logger:    logger,
	}, a.dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to create launcher: %w", err)
	}
	a.launcher = launchService

	var verifier *auth.TokenVerifier
	if config.SecurityEnabled {
		verifier, err = auth.NewTokenVerifier(config.TokenSigningKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
	}
	a.manager = NewContainerManager(a.nodeCtx, a.dispatcher, verifier, logger)

	a.dispatcher.Register(events.KindApplication, application.NewManager(a.nodeCtx, a.dispatcher, logger))
	a.dispatcher.Register(events.KindContainer, container.NewManager(a.nodeCtx, a.dispatcher, logger))
	a.dispatcher.Register(events.KindLocalization, dispatcher.HandlerFunc(locService.Handle))
	a.dispatcher.Register(events.KindLauncher, dispatcher.HandlerFunc(launchService.Handle))

	a.server = NewServer(config.BindAddress, a.manager, logger)
	if config.MetricsAddress != "" {
		a.metricsServer = observability.NewMetricsServer(config.MetricsAddress, logger)
		a.metricsServer.RegisterReadiness("dispatcher", a.dispatcher.Healthy)
		a.metricsServer.RegisterReadiness("localizer", a.localizer.Ready)
	}

	controller := config.Controller
	if controller == nil && config.ControllerAddress != "" {
		controller = NewHTTPControllerClient(config.ControllerAddress, logger)
	}
	if controller != nil {
		a.heartbeat = NewHeartbeat(config.NodeID, config.LocalDirs[0], config.HeartbeatInterval, controller, a.manager, a.nodeCtx, logger)
		a.manager.SetStopNotify(a.heartbeat.Notify)
	}

	return a, nil
}

// Manager returns the RPC facade.
func (a *Agent) Manager() *ContainerManager {
	return a.manager
}

// Start starts the agent
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting node agent",
		zap.String("node_id", a.config.NodeID),
		zap.String("bind_address", a.config.BindAddress),
		zap.Strings("local_dirs", a.config.LocalDirs),
		zap.Bool("security_enabled", a.config.SecurityEnabled),
	)

	a.dispatcher.Start()
	a.localizer.Start(ctx)

	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("failed to start RPC server: %w", err)
	}
	if a.heartbeat != nil {
		a.heartbeat.Start(ctx)
	}
	return nil
}

// Stop stops the agent gracefully
func (a *Agent) Stop(ctx context.Context) error {
	a.logger.Info("Stopping node agent")

	if a.heartbeat != nil {
		a.heartbeat.Stop()
	}
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("Error stopping RPC server", zap.Error(err))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.logger.Error("Error stopping metrics server", zap.Error(err))
		}
	}
	if err := a.dispatcher.Stop(ctx); err != nil {
		a.logger.Error("Error stopping dispatcher", zap.Error(err))
	}
	a.localizer.Stop()

	a.logger.Info("Node agent stopped")
	return nil
}
