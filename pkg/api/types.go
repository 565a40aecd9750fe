package api

import (
	"fmt"
)

// ApplicationID identifies one submitted application across the cluster.
// The cluster timestamp is the controller's start time, which makes ids
// unique across controller restarts.
type ApplicationID struct {
	ClusterTimestamp uint64 `json:"cluster_timestamp"`
	ID               uint32 `json:"id"`
}

// String returns the canonical form, e.g. "application_1700000000_0001".
func (a ApplicationID) String() string {
	return fmt.Sprintf("application_%d_%04d", a.ClusterTimestamp, a.ID)
}

// IsZero reports whether the id is the zero value.
func (a ApplicationID) IsZero() bool {
	return a == ApplicationID{}
}

// ContainerID identifies one container within an application.
type ContainerID struct {
	App      ApplicationID `json:"app"`
	Sequence uint32        `json:"sequence"`
}

// String returns the canonical form, e.g. "container_1700000000_0001_000003".
func (c ContainerID) String() string {
	return fmt.Sprintf("container_%d_%04d_%06d", c.App.ClusterTimestamp, c.App.ID, c.Sequence)
}

// IsZero reports whether the id is the zero value.
func (c ContainerID) IsZero() bool {
	return c == ContainerID{}
}

// Visibility is the sharing scope of a localized resource.
type Visibility string

const (
	// VisibilityPublic resources share a single cache across all applications.
	VisibilityPublic Visibility = "PUBLIC"

	// VisibilityPrivate resources are cached per user.
	VisibilityPrivate Visibility = "PRIVATE"

	// VisibilityApplication resources are cached per application and removed
	// with it.
	VisibilityApplication Visibility = "APPLICATION"
)

// ResourceRequest describes one remote resource a container needs localized
// before launch. It is a value type; equality defines the cache key.
type ResourceRequest struct {
	URI        string     `json:"uri"`
	Size       int64      `json:"size"`
	Timestamp  int64      `json:"timestamp"`
	Visibility Visibility `json:"visibility"`
}

// String returns a compact form used in logs and cache keys.
func (r ResourceRequest) String() string {
	return fmt.Sprintf("{%s, %d, %d, %s}", r.URI, r.Size, r.Timestamp, r.Visibility)
}

// ResourceScope identifies the cache partition a resource belongs to. Public
// resources ignore User and Application; private resources are keyed by User;
// application resources by Application.
type ResourceScope struct {
	Visibility  Visibility    `json:"visibility"`
	User        string        `json:"user,omitempty"`
	Application ApplicationID `json:"application,omitempty"`
}

// Partition returns the cache partition path segment for the scope.
func (s ResourceScope) Partition() string {
	switch s.Visibility {
	case VisibilityPrivate:
		return "private/" + s.User
	case VisibilityApplication:
		return "app/" + s.Application.String()
	default:
		return "public"
	}
}

// ContainerLaunchContext carries everything the node needs to localize and
// launch one container.
type ContainerLaunchContext struct {
	ContainerID ContainerID       `json:"container_id"`
	User        string            `json:"user"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	Resources   []ResourceRequest `json:"resources,omitempty"`

	// ContainerToken authenticates the request when security is enabled.
	ContainerToken string `json:"container_token,omitempty"`
}

// ContainerStatus is a consistent snapshot of one container, suitable for
// status queries and heartbeat reporting.
type ContainerStatus struct {
	ContainerID ContainerID `json:"container_id"`
	State       string      `json:"state"`
	ExitCode    *int32      `json:"exit_code,omitempty"`
	Diagnostics string      `json:"diagnostics,omitempty"`
}

// NodeResources reports node capacity or usage to the controller.
type NodeResources struct {
	CPUMillicores int64 `json:"cpu_millicores"`
	MemoryBytes   int64 `json:"memory_bytes"`
	StorageBytes  int64 `json:"storage_bytes"`
}
