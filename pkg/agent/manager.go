// Package agent assembles the node agent: the event-driven lifecycle core,
// the RPC facade in front of it, and the heartbeat loop that keeps the
// controller informed.
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/auth"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/node"
)

var (
	// ErrInvalidRequest marks a malformed RPC request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrContainerExists marks a start request colliding with a known id.
	ErrContainerExists = errors.New("container already exists")

	// ErrUnknownContainer marks a status query for an id the node does not
	// know.
	ErrUnknownContainer = errors.New("unknown container")
)

// ContainerManager translates RPC calls and controller commands into
// dispatcher events. Calls return after validation; lifecycle progress is
// observed through GetContainerStatus and the heartbeat.
type ContainerManager struct {
	nodeCtx  *node.Context
	poster   events.Poster
	verifier *auth.TokenVerifier
	logger   *zap.Logger

	// onStop, when set, triggers an out-of-band heartbeat so the
	// controller learns about the kill before the next interval.
	onStop func()
}

// NewContainerManager creates the RPC facade. verifier may be nil when
// security is disabled.
func NewContainerManager(nodeCtx *node.Context, poster events.Poster, verifier *auth.TokenVerifier, logger *zap.Logger) *ContainerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContainerManager{
		nodeCtx:  nodeCtx,
		poster:   poster,
		verifier: verifier,
		logger:   logger,
	}
}

// SetStopNotify installs the out-of-band heartbeat trigger.
func (cm *ContainerManager) SetStopNotify(fn func()) {
	cm.onStop = fn
}

// StartContainer validates the request, records the container and admits it
// into its application. The first creator of an id wins; a duplicate start
// is a validation error with no state change and no events.
func (cm *ContainerManager) StartContainer(ctx context.Context, req api.StartContainerRequest) error {
	lc := req.LaunchContext
	if lc.ContainerID.IsZero() {
		return fmt.Errorf("%w: container id is required", ErrInvalidRequest)
	}
	if len(lc.Command) == 0 {
		return fmt.Errorf("%w: container command is required", ErrInvalidRequest)
	}
	if cm.verifier != nil {
		if err := cm.verifier.Verify(lc.ContainerToken, lc.ContainerID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	if _, existed := cm.nodeCtx.Containers.PutIfAbsent(lc.ContainerID, node.NewContainer(lc)); existed {
		return fmt.Errorf("%w: %s", ErrContainerExists, lc.ContainerID.String())
	}

	cm.logger.Info("Starting container",
		zap.String("container", lc.ContainerID.String()),
		zap.String("user", lc.User),
		zap.Int("resources", len(lc.Resources)),
	)
	cm.poster.Dispatch(events.NewApplicationInit(lc.ContainerID.App, lc.ContainerID))
	return nil
}

// StopContainer posts KILL and returns immediately. An unknown id is a
// warning-level no-op: the container may have finished and been reclaimed
// between the controller's decision and this call.
func (cm *ContainerManager) StopContainer(ctx context.Context, id api.ContainerID) error {
	if _, ok := cm.nodeCtx.Containers.Get(id); !ok {
		cm.logger.Warn("Stop requested for unknown container",
			zap.String("container", id.String()),
		)
		return nil
	}

	cm.logger.Info("Stopping container",
		zap.String("container", id.String()),
	)
	cm.poster.Dispatch(events.NewContainerDiagnostics(id, "Container killed by the application."))
	cm.poster.Dispatch(events.NewContainerKill(id))
	if cm.onStop != nil {
		cm.onStop()
	}
	return nil
}

// GetContainerStatus returns a consistent snapshot of one container.
func (cm *ContainerManager) GetContainerStatus(ctx context.Context, id api.ContainerID) (api.ContainerStatus, error) {
	ctr, ok := cm.nodeCtx.Containers.Get(id)
	if !ok {
		return api.ContainerStatus{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id.String())
	}
	return ctr.Status(), nil
}

// CleanupContainer is reserved; explicit cleanup may be added later.
func (cm *ContainerManager) CleanupContainer(ctx context.Context, id api.ContainerID) error {
	return nil
}

// FinishApplications applies a controller FINISH_APPS command.
func (cm *ContainerManager) FinishApplications(ids []api.ApplicationID) {
	for _, id := range ids {
		cm.logger.Info("Controller finished application",
			zap.String("application", id.String()),
		)
		cm.poster.Dispatch(events.NewApplicationFinish(id))
	}
}

// FinishContainers applies a controller FINISH_CONTAINERS command.
func (cm *ContainerManager) FinishContainers(ids []api.ContainerID) {
	for _, id := range ids {
		cm.poster.Dispatch(events.NewContainerDiagnostics(id, "Killed by controller"))
		cm.poster.Dispatch(events.NewContainerKill(id))
	}
}
