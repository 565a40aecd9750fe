package events

import (
	"github.com/cloudfab/nodeagent/pkg/api"
)

// ApplicationEventType tags events handled by the application state machine.
type ApplicationEventType string

const (
	ApplicationInit              ApplicationEventType = "INIT_APPLICATION"
	ApplicationInited            ApplicationEventType = "APPLICATION_INITED"
	ApplicationContainerFinished ApplicationEventType = "CONTAINER_FINISHED"
	ApplicationFinish            ApplicationEventType = "FINISH_APPLICATION"
	ApplicationResourcesCleaned  ApplicationEventType = "APPLICATION_RESOURCES_CLEANED"
)

// ApplicationEvent is implemented by every event targeting one application.
type ApplicationEvent interface {
	Event
	Application() api.ApplicationID
	Type() ApplicationEventType
}

// ApplicationEventBase carries the target application id.
type ApplicationEventBase struct {
	ID api.ApplicationID
}

func (e ApplicationEventBase) Kind() Kind                     { return KindApplication }
func (e ApplicationEventBase) EntityID() string               { return e.ID.String() }
func (e ApplicationEventBase) Application() api.ApplicationID { return e.ID }

// ApplicationInitEvent admits a container into the application, creating the
// application on first use.
type ApplicationInitEvent struct {
	ApplicationEventBase
	ContainerID api.ContainerID
}

func NewApplicationInit(id api.ApplicationID, container api.ContainerID) ApplicationInitEvent {
	return ApplicationInitEvent{ApplicationEventBase{ID: id}, container}
}

func (ApplicationInitEvent) Type() ApplicationEventType { return ApplicationInit }

// ApplicationInitedEvent completes application bootstrap; queued containers
// are initialized when it is handled.
type ApplicationInitedEvent struct {
	ApplicationEventBase
}

func NewApplicationInited(id api.ApplicationID) ApplicationInitedEvent {
	return ApplicationInitedEvent{ApplicationEventBase{ID: id}}
}

func (ApplicationInitedEvent) Type() ApplicationEventType { return ApplicationInited }

// ApplicationContainerFinishedEvent reports that one of the application's
// containers reached a terminal state.
type ApplicationContainerFinishedEvent struct {
	ApplicationEventBase
	ContainerID api.ContainerID
}

func NewApplicationContainerFinished(id api.ApplicationID, container api.ContainerID) ApplicationContainerFinishedEvent {
	return ApplicationContainerFinishedEvent{ApplicationEventBase{ID: id}, container}
}

func (ApplicationContainerFinishedEvent) Type() ApplicationEventType {
	return ApplicationContainerFinished
}

// ApplicationFinishEvent records the controller's decision that the
// application is complete.
type ApplicationFinishEvent struct {
	ApplicationEventBase
}

func NewApplicationFinish(id api.ApplicationID) ApplicationFinishEvent {
	return ApplicationFinishEvent{ApplicationEventBase{ID: id}}
}

func (ApplicationFinishEvent) Type() ApplicationEventType { return ApplicationFinish }

// ApplicationResourcesCleanedEvent acknowledges that application-scoped
// localized resources have been reclaimed.
type ApplicationResourcesCleanedEvent struct {
	ApplicationEventBase
}

func NewApplicationResourcesCleaned(id api.ApplicationID) ApplicationResourcesCleanedEvent {
	return ApplicationResourcesCleanedEvent{ApplicationEventBase{ID: id}}
}

func (ApplicationResourcesCleanedEvent) Type() ApplicationEventType {
	return ApplicationResourcesCleaned
}
