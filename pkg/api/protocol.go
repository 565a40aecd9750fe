package api

import (
	"time"
)

// Request/response types for the node RPC surface and the controller channel.

// StartContainerRequest asks the node to localize and launch a container.
type StartContainerRequest struct {
	LaunchContext ContainerLaunchContext `json:"launch_context"`
}

// StartContainerResponse acknowledges a start request. Launch is
// asynchronous; the caller polls GetContainerStatus for progress.
type StartContainerResponse struct{}

// StopContainerRequest asks the node to kill a container.
type StopContainerRequest struct {
	ContainerID ContainerID `json:"container_id"`
}

// StopContainerResponse acknowledges a stop request.
type StopContainerResponse struct{}

// GetContainerStatusRequest queries one container's status.
type GetContainerStatusRequest struct {
	ContainerID ContainerID `json:"container_id"`
}

// CleanupContainerRequest is reserved for explicit cleanup of a finished
// container. The node currently treats it as a no-op.
type CleanupContainerRequest struct {
	ContainerID ContainerID `json:"container_id"`
}

// CleanupContainerResponse acknowledges a cleanup request.
type CleanupContainerResponse struct{}

// HeartbeatRequest reports node state to the controller.
type HeartbeatRequest struct {
	NodeID     string            `json:"node_id"`
	Capacity   NodeResources     `json:"capacity"`
	Usage      NodeResources     `json:"usage"`
	Containers []ContainerStatus `json:"containers,omitempty"`
}

// HeartbeatResponse carries commands the controller wants applied on the
// node. FinishApps and FinishContainers drive application and container
// teardown.
type HeartbeatResponse struct {
	FinishApps       []ApplicationID `json:"finish_apps,omitempty"`
	FinishContainers []ContainerID   `json:"finish_containers,omitempty"`
	NextInterval     time.Duration   `json:"next_interval,omitempty"`
}
