package events

import (
	"github.com/cloudfab/nodeagent/pkg/api"
)

// ContainerEventType tags events handled by the container state machine.
type ContainerEventType string

const (
	ContainerInit              ContainerEventType = "INIT"
	ContainerResourceLocalized ContainerEventType = "RESOURCE_LOCALIZED"
	ContainerResourceFailed    ContainerEventType = "RESOURCE_FAILED"
	ContainerLaunched          ContainerEventType = "LAUNCHED"
	ContainerExited            ContainerEventType = "EXITED"
	ContainerKill              ContainerEventType = "KILL"
	ContainerCleanupDone       ContainerEventType = "CLEANUP_DONE"
	ContainerDiagnostics       ContainerEventType = "DIAGNOSTIC_UPDATE"
)

// ContainerEvent is implemented by every event targeting one container.
type ContainerEvent interface {
	Event
	Container() api.ContainerID
	Type() ContainerEventType
}

// ContainerEventBase carries the target container id and implements the
// routing half of ContainerEvent.
type ContainerEventBase struct {
	ID api.ContainerID
}

func (e ContainerEventBase) Kind() Kind                  { return KindContainer }
func (e ContainerEventBase) EntityID() string            { return e.ID.String() }
func (e ContainerEventBase) Container() api.ContainerID  { return e.ID }

// ContainerInitEvent starts localization for a newly admitted container.
type ContainerInitEvent struct {
	ContainerEventBase
}

func NewContainerInit(id api.ContainerID) ContainerInitEvent {
	return ContainerInitEvent{ContainerEventBase{ID: id}}
}

func (ContainerInitEvent) Type() ContainerEventType { return ContainerInit }

// ContainerResourceLocalizedEvent tells a container one of its resources is
// on local disk.
type ContainerResourceLocalizedEvent struct {
	ContainerEventBase
	Resource api.ResourceRequest
	Path     string
}

func NewContainerResourceLocalized(id api.ContainerID, rsrc api.ResourceRequest, path string) ContainerResourceLocalizedEvent {
	return ContainerResourceLocalizedEvent{ContainerEventBase{ID: id}, rsrc, path}
}

func (ContainerResourceLocalizedEvent) Type() ContainerEventType { return ContainerResourceLocalized }

// ContainerResourceFailedEvent tells a container one of its resources could
// not be localized. The container aborts.
type ContainerResourceFailedEvent struct {
	ContainerEventBase
	Resource api.ResourceRequest
	Reason   string
}

func NewContainerResourceFailed(id api.ContainerID, rsrc api.ResourceRequest, reason string) ContainerResourceFailedEvent {
	return ContainerResourceFailedEvent{ContainerEventBase{ID: id}, rsrc, reason}
}

func (ContainerResourceFailedEvent) Type() ContainerEventType { return ContainerResourceFailed }

// ContainerLaunchedEvent reports that the launcher started the container
// process.
type ContainerLaunchedEvent struct {
	ContainerEventBase
}

func NewContainerLaunched(id api.ContainerID) ContainerLaunchedEvent {
	return ContainerLaunchedEvent{ContainerEventBase{ID: id}}
}

func (ContainerLaunchedEvent) Type() ContainerEventType { return ContainerLaunched }

// ContainerExitedEvent reports the container process exit status. A launch
// rejection is reported as an exit with a negative code.
type ContainerExitedEvent struct {
	ContainerEventBase
	Code int32
}

func NewContainerExited(id api.ContainerID, code int32) ContainerExitedEvent {
	return ContainerExitedEvent{ContainerEventBase{ID: id}, code}
}

func (ContainerExitedEvent) Type() ContainerEventType { return ContainerExited }

// ContainerKillEvent requests cancellation of a container in any
// non-terminal state.
type ContainerKillEvent struct {
	ContainerEventBase
}

func NewContainerKill(id api.ContainerID) ContainerKillEvent {
	return ContainerKillEvent{ContainerEventBase{ID: id}}
}

func (ContainerKillEvent) Type() ContainerEventType { return ContainerKill }

// ContainerCleanupDoneEvent acknowledges that the container's on-disk state
// has been reclaimed.
type ContainerCleanupDoneEvent struct {
	ContainerEventBase
}

func NewContainerCleanupDone(id api.ContainerID) ContainerCleanupDoneEvent {
	return ContainerCleanupDoneEvent{ContainerEventBase{ID: id}}
}

func (ContainerCleanupDoneEvent) Type() ContainerEventType { return ContainerCleanupDone }

// ContainerDiagnosticsEvent appends a line to the container diagnostics.
type ContainerDiagnosticsEvent struct {
	ContainerEventBase
	Message string
}

func NewContainerDiagnostics(id api.ContainerID, message string) ContainerDiagnosticsEvent {
	return ContainerDiagnosticsEvent{ContainerEventBase{ID: id}, message}
}

func (ContainerDiagnosticsEvent) Type() ContainerEventType { return ContainerDiagnostics }
