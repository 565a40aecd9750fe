package events

import (
	"github.com/cloudfab/nodeagent/pkg/api"
)

// LauncherEventType tags events routed to the container launcher.
type LauncherEventType string

const (
	LaunchRequested  LauncherEventType = "LAUNCH"
	KillRequested    LauncherEventType = "KILL"
	CleanupRequested LauncherEventType = "CLEANUP"
)

// LauncherEvent is implemented by every event routed to the launcher.
type LauncherEvent interface {
	Event
	Type() LauncherEventType
}

// LaunchEvent asks the launcher to start a fully localized container.
type LaunchEvent struct {
	Container api.ContainerID
	Context   api.ContainerLaunchContext

	// Localized maps each resource URI to its local path.
	Localized map[string]string
}

func (e LaunchEvent) Kind() Kind               { return KindLauncher }
func (e LaunchEvent) EntityID() string         { return e.Container.String() }
func (LaunchEvent) Type() LauncherEventType    { return LaunchRequested }

// KillEvent asks the launcher to terminate a container process, escalating
// from graceful to forced.
type KillEvent struct {
	Container api.ContainerID
}

func (e KillEvent) Kind() Kind             { return KindLauncher }
func (e KillEvent) EntityID() string       { return e.Container.String() }
func (KillEvent) Type() LauncherEventType  { return KillRequested }

// CleanupEvent asks the launcher to reclaim a container's working
// directory. The launcher acknowledges with ContainerCleanupDoneEvent.
type CleanupEvent struct {
	Container api.ContainerID
}

func (e CleanupEvent) Kind() Kind                { return KindLauncher }
func (e CleanupEvent) EntityID() string          { return e.Container.String() }
func (CleanupEvent) Type() LauncherEventType     { return CleanupRequested }
