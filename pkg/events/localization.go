package events

import (
	"github.com/cloudfab/nodeagent/pkg/api"
)

// LocalizationEventType tags events handled by the localization service and
// the per-resource state machines it owns.
type LocalizationEventType string

const (
	// ResourceRequested claims a resource on behalf of a container.
	ResourceRequested LocalizationEventType = "REQUEST"

	// ResourceReleased drops a container's claim on a resource.
	ResourceReleased LocalizationEventType = "RELEASE"

	// FetchRequested asks the service to start downloading a resource. It is
	// emitted by the resource state machine, not by containers.
	FetchRequested LocalizationEventType = "FETCH_REQUEST"

	// ResourceLocalized reports a completed fetch.
	ResourceLocalized LocalizationEventType = "LOCALIZED"

	// FetchFailed reports a failed fetch.
	FetchFailed LocalizationEventType = "FETCH_FAILED"

	// ApplicationResourcesCleanup reclaims all application-scoped resources.
	ApplicationResourcesCleanup LocalizationEventType = "CLEANUP_APPLICATION_RESOURCES"
)

// LocalizationEvent is implemented by every event routed to the
// localization service.
type LocalizationEvent interface {
	Event
	Type() LocalizationEventType
}

// resourceEventBase routes every localization event to the localization
// service through its Kind.
type resourceEventBase struct{}

func (resourceEventBase) Kind() Kind { return KindLocalization }

// ResourceRequestEvent claims Resource for Container and triggers a fetch if
// the resource is not yet local.
type ResourceRequestEvent struct {
	resourceEventBase
	Resource  api.ResourceRequest
	Scope     api.ResourceScope
	Container api.ContainerID
}

func (e ResourceRequestEvent) EntityID() string            { return e.Scope.Partition() + "/" + e.Resource.URI }
func (ResourceRequestEvent) Type() LocalizationEventType   { return ResourceRequested }

// ResourceReleaseEvent drops Container's claim on Resource.
type ResourceReleaseEvent struct {
	resourceEventBase
	Resource  api.ResourceRequest
	Scope     api.ResourceScope
	Container api.ContainerID
}

func (e ResourceReleaseEvent) EntityID() string            { return e.Scope.Partition() + "/" + e.Resource.URI }
func (ResourceReleaseEvent) Type() LocalizationEventType   { return ResourceReleased }

// FetchRequestEvent asks the service to schedule a download for Resource.
// The service ignores it when a fetch is already in flight.
type FetchRequestEvent struct {
	resourceEventBase
	Resource api.ResourceRequest
	Scope    api.ResourceScope
}

func (e FetchRequestEvent) EntityID() string             { return e.Scope.Partition() + "/" + e.Resource.URI }
func (FetchRequestEvent) Type() LocalizationEventType    { return FetchRequested }

// FetchCompleteEvent reports that Resource has been materialized at Path.
type FetchCompleteEvent struct {
	resourceEventBase
	Resource api.ResourceRequest
	Scope    api.ResourceScope
	Path     string
	Size     int64
}

func (e FetchCompleteEvent) EntityID() string            { return e.Scope.Partition() + "/" + e.Resource.URI }
func (FetchCompleteEvent) Type() LocalizationEventType   { return ResourceLocalized }

// FetchFailedEvent reports that Resource could not be fetched. Waiting
// containers are aborted.
type FetchFailedEvent struct {
	resourceEventBase
	Resource api.ResourceRequest
	Scope    api.ResourceScope
	Reason   string
}

func (e FetchFailedEvent) EntityID() string              { return e.Scope.Partition() + "/" + e.Resource.URI }
func (FetchFailedEvent) Type() LocalizationEventType     { return FetchFailed }

// ApplicationCleanupEvent reclaims every resource cached under the
// application's scope.
type ApplicationCleanupEvent struct {
	resourceEventBase
	Application api.ApplicationID
	User        string
}

func (e ApplicationCleanupEvent) EntityID() string             { return e.Application.String() }
func (ApplicationCleanupEvent) Type() LocalizationEventType    { return ApplicationResourcesCleanup }
