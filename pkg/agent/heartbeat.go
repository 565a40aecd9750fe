package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/node"
	"github.com/cloudfab/nodeagent/pkg/observability"
)

// Heartbeat periodically reports container statuses to the controller and
// applies the commands the controller returns. StopContainer triggers an
// out-of-band beat so kills are reported ahead of the next interval.
type Heartbeat struct {
	nodeID   string
	localDir string
	interval time.Duration

	client  ControllerClient
	manager *ContainerManager
	nodeCtx *node.Context
	logger  *zap.Logger

	capacity api.NodeResources

	notify chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeat creates the heartbeat loop.
func NewHeartbeat(nodeID, localDir string, interval time.Duration, client ControllerClient, manager *ContainerManager, nodeCtx *node.Context, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		nodeID:   nodeID,
		localDir: localDir,
		interval: interval,
		client:   client,
		manager:  manager,
		nodeCtx:  nodeCtx,
		logger:   logger,
		capacity: DetectCapacity(localDir, logger),
		notify:   make(chan struct{}, 1),
	}
}

// Start launches the loop.
func (h *Heartbeat) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go h.run(runCtx)
}

// Stop terminates the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Notify requests an out-of-band heartbeat. Coalesces when one is already
// pending.
func (h *Heartbeat) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Heartbeat) run(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.notify:
		}
		h.beat(ctx)
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	req := api.HeartbeatRequest{
		NodeID:     h.nodeID,
		Capacity:   h.capacity,
		Usage:      DetectUsage(h.localDir, h.logger),
		Containers: h.nodeCtx.ContainerStatuses(),
	}

	start := time.Now()
	beatCtx, cancel := context.WithTimeout(ctx, h.interval)
	resp, err := h.client.Heartbeat(beatCtx, req)
	cancel()
	observability.HeartbeatLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.HeartbeatsTotal.WithLabelValues("failure").Inc()
		h.logger.Warn("Heartbeat failed",
			zap.Error(err),
		)
		return
	}
	observability.HeartbeatsTotal.WithLabelValues("success").Inc()

	if len(resp.FinishApps) > 0 {
		h.manager.FinishApplications(resp.FinishApps)
	}
	if len(resp.FinishContainers) > 0 {
		h.manager.FinishContainers(resp.FinishContainers)
	}
}
