// Package application groups the containers of one submitted job and gates
// their admission and the final resource cleanup.
package application

import (
	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/node"
	"github.com/cloudfab/nodeagent/pkg/statemachine"
)

// instance pairs one application record with the manager whose poster the
// transition hooks emit through.
type instance struct {
	m *Manager
	a *node.Application
}

var applicationTable = buildApplicationTable()

func buildApplicationTable() *statemachine.Table[*instance, node.ApplicationState, events.ApplicationEventType, events.ApplicationEvent] {
	t := statemachine.NewTable[*instance, node.ApplicationState, events.ApplicationEventType, events.ApplicationEvent]()

	// Bootstrap. The first INIT_APPLICATION moves the fresh record to
	// INITING; containers admitted before APPLICATION_INITED wait there.
	t.AddTransition(node.ApplicationNew, node.ApplicationIniting, events.ApplicationInit,
		func(in *instance, ev events.ApplicationEvent) {
			e := ev.(events.ApplicationInitEvent)
			in.a.AddContainer(e.ContainerID)
			in.m.poster.Dispatch(events.NewApplicationInited(in.a.ID()))
		})
	t.AddTransition(node.ApplicationIniting, node.ApplicationIniting, events.ApplicationInit,
		func(in *instance, ev events.ApplicationEvent) {
			in.a.AddContainer(ev.(events.ApplicationInitEvent).ContainerID)
		})
	t.AddTransition(node.ApplicationIniting, node.ApplicationRunning, events.ApplicationInited,
		func(in *instance, _ events.ApplicationEvent) {
			for _, id := range in.a.Containers() {
				in.m.poster.Dispatch(events.NewContainerInit(id))
			}
		})

	// Steady state: container additions go straight down.
	t.AddTransition(node.ApplicationRunning, node.ApplicationRunning, events.ApplicationInit,
		func(in *instance, ev events.ApplicationEvent) {
			e := ev.(events.ApplicationInitEvent)
			in.a.AddContainer(e.ContainerID)
			in.m.poster.Dispatch(events.NewContainerInit(e.ContainerID))
		})

	// A container arriving while the application is tearing down is
	// admitted only to be killed, so its record drains normally.
	rejectLate := func(in *instance, ev events.ApplicationEvent) {
		e := ev.(events.ApplicationInitEvent)
		in.a.AddContainer(e.ContainerID)
		in.m.poster.Dispatch(events.NewContainerDiagnostics(e.ContainerID, "Application is finishing"))
		in.m.poster.Dispatch(events.NewContainerKill(e.ContainerID))
	}
	t.AddTransition(node.ApplicationFinishingContainers, node.ApplicationFinishingContainers, events.ApplicationInit, rejectLate)
	t.AddTransition(node.ApplicationFinishingApp, node.ApplicationFinishingApp, events.ApplicationInit, rejectLate)

	// Container completions.
	finished := func(in *instance, ev events.ApplicationEvent) node.ApplicationState {
		e := ev.(events.ApplicationContainerFinishedEvent)
		remaining := in.a.RemoveContainer(e.ContainerID)
		if remaining == 0 && in.a.FinishRequested() {
			in.m.requestCleanup(in.a)
			return node.ApplicationFinishingApp
		}
		return in.a.State()
	}
	t.AddMultiTransition(node.ApplicationIniting, events.ApplicationContainerFinished, finished)
	t.AddMultiTransition(node.ApplicationRunning, events.ApplicationContainerFinished, finished)
	t.AddMultiTransition(node.ApplicationFinishingContainers, events.ApplicationContainerFinished, finished)
	t.AddTransition(node.ApplicationFinishingApp, node.ApplicationFinishingApp, events.ApplicationContainerFinished,
		func(in *instance, ev events.ApplicationEvent) {
			in.a.RemoveContainer(ev.(events.ApplicationContainerFinishedEvent).ContainerID)
		})

	// Controller-driven teardown. The request is remembered; live
	// containers are killed and the cleanup runs after the last one
	// finishes.
	finish := func(in *instance, _ events.ApplicationEvent) node.ApplicationState {
		in.a.RequestFinish()
		if in.a.ContainerCount() == 0 {
			in.m.requestCleanup(in.a)
			return node.ApplicationFinishingApp
		}
		for _, id := range in.a.Containers() {
			in.m.poster.Dispatch(events.NewContainerKill(id))
		}
		return node.ApplicationFinishingContainers
	}
	t.AddMultiTransition(node.ApplicationIniting, events.ApplicationFinish, finish)
	t.AddMultiTransition(node.ApplicationRunning, events.ApplicationFinish, finish)
	t.AddTransition(node.ApplicationFinishingContainers, node.ApplicationFinishingContainers, events.ApplicationFinish, nil)
	t.AddTransition(node.ApplicationFinishingApp, node.ApplicationFinishingApp, events.ApplicationFinish, nil)

	// Cleanup acknowledgement ends the application.
	t.AddTransition(node.ApplicationFinishingApp, node.ApplicationDone, events.ApplicationResourcesCleaned, nil)

	return t
}

// Manager is the dispatcher handler for application events.
type Manager struct {
	nodeCtx *node.Context
	poster  events.Poster
	logger  *zap.Logger
}

// NewManager creates the application event handler.
func NewManager(nodeCtx *node.Context, poster events.Poster, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{nodeCtx: nodeCtx, poster: poster, logger: logger}
}

// Handle routes one application event through the transition table. It
// implements dispatcher.Handler.
func (m *Manager) Handle(ev events.Event) {
	ae, ok := ev.(events.ApplicationEvent)
	if !ok {
		m.logger.Error("Unexpected event type for application",
			zap.String("entity", ev.EntityID()),
		)
		return
	}

	app, ok := m.lookup(ae)
	if !ok {
		m.logger.Warn("Event for unknown application dropped",
			zap.String("application", ae.Application().String()),
			zap.String("event", string(ae.Type())),
		)
		return
	}

	current := app.State()
	next, err := applicationTable.Apply(&instance{m: m, a: app}, current, ae.Type(), ae)
	if err != nil {
		m.logger.Error("Illegal application event dropped",
			zap.String("application", app.ID().String()),
			zap.String("state", string(current)),
			zap.String("event", string(ae.Type())),
			zap.Error(err),
		)
		return
	}
	if next == current {
		return
	}

	app.SetState(next)
	m.logger.Info("Application transitioned",
		zap.String("application", app.ID().String()),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
	)

	if next == node.ApplicationDone {
		m.removeApplication(app)
	}
}

// lookup resolves the application record, creating it on the first
// INIT_APPLICATION. The submitting user comes from the container record the
// facade inserted before posting the event.
func (m *Manager) lookup(ae events.ApplicationEvent) (*node.Application, bool) {
	if e, ok := ae.(events.ApplicationInitEvent); ok {
		user := ""
		if ctr, ok := m.nodeCtx.Containers.Get(e.ContainerID); ok {
			user = ctr.LaunchContext().User
		}
		app, _ := m.nodeCtx.Applications.PutIfAbsent(e.Application(), node.NewApplication(e.Application(), user))
		return app, true
	}
	return m.nodeCtx.Applications.Get(ae.Application())
}

// requestCleanup asks the localization service to reclaim the application's
// scoped resources.
func (m *Manager) requestCleanup(a *node.Application) {
	m.poster.Dispatch(events.ApplicationCleanupEvent{
		Application: a.ID(),
		User:        a.User(),
	})
}

// removeApplication deletes the application and its finished container
// records from the registries. Deletion at terminal state is the only
// removal path.
func (m *Manager) removeApplication(a *node.Application) {
	var stale []api.ContainerID
	m.nodeCtx.Containers.Range(func(id api.ContainerID, _ *node.Container) bool {
		if id.App == a.ID() {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		m.nodeCtx.Containers.Delete(id)
	}
	m.nodeCtx.Applications.Delete(a.ID())

	m.logger.Info("Application removed",
		zap.String("application", a.ID().String()),
		zap.Int("containers_removed", len(stale)),
	)
}
