// Package container drives the per-container lifecycle: admission,
// localization, launch, exit and cleanup. The transition table is data
// driven so it can be audited and tested apart from the side effects the
// transitions trigger.
package container

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/node"
	"github.com/cloudfab/nodeagent/pkg/observability"
	"github.com/cloudfab/nodeagent/pkg/statemachine"
)

// ExitCodeKilled is recorded when a container is torn down before its
// process reported an exit status.
const ExitCodeKilled int32 = -105

// instance pairs one container record with the manager whose poster the
// transition hooks emit through.
type instance struct {
	m *Manager
	c *node.Container
}

var containerTable = buildContainerTable()

func buildContainerTable() *statemachine.Table[*instance, node.ContainerState, events.ContainerEventType, events.ContainerEvent] {
	t := statemachine.NewTable[*instance, node.ContainerState, events.ContainerEventType, events.ContainerEvent]()

	// Admission. A container with no declared resources skips localization
	// entirely and goes straight to launch.
	t.AddMultiTransition(node.ContainerNew, events.ContainerInit,
		func(in *instance, _ events.ContainerEvent) node.ContainerState {
			if in.c.PendingCount() == 0 {
				in.m.requestLaunch(in.c)
				return node.ContainerLocalized
			}
			for _, rsrc := range in.c.PendingResources() {
				in.m.poster.Dispatch(events.ResourceRequestEvent{
					Resource:  rsrc,
					Scope:     in.c.ResourceScope(rsrc),
					Container: in.c.ID(),
				})
			}
			return node.ContainerLocalizing
		})
	t.AddTransition(node.ContainerNew, node.ContainerKilling, events.ContainerKill,
		func(in *instance, _ events.ContainerEvent) {
			in.m.poster.Dispatch(events.CleanupEvent{Container: in.c.ID()})
		})

	// Localization. The pending-resource count guards the LOCALIZED
	// transition against double-fire when completions race.
	t.AddMultiTransition(node.ContainerLocalizing, events.ContainerResourceLocalized,
		func(in *instance, ev events.ContainerEvent) node.ContainerState {
			e := ev.(events.ContainerResourceLocalizedEvent)
			remaining, known := in.c.RecordLocalized(e.Resource, e.Path)
			if !known {
				in.m.logger.Warn("Localized resource the container did not declare",
					zap.String("container", in.c.ID().String()),
					zap.String("resource", e.Resource.String()),
				)
			}
			if remaining > 0 {
				return node.ContainerLocalizing
			}
			in.m.requestLaunch(in.c)
			return node.ContainerLocalized
		})
	t.AddTransition(node.ContainerLocalizing, node.ContainerKilling, events.ContainerResourceFailed,
		func(in *instance, ev events.ContainerEvent) {
			e := ev.(events.ContainerResourceFailedEvent)
			in.c.AppendDiagnostics(fmt.Sprintf("Failed to localize %s: %s", e.Resource.URI, e.Reason))
			in.m.releaseResources(in.c)
			in.m.poster.Dispatch(events.CleanupEvent{Container: in.c.ID()})
		})
	t.AddTransition(node.ContainerLocalizing, node.ContainerKilling, events.ContainerKill,
		func(in *instance, _ events.ContainerEvent) {
			in.m.releaseResources(in.c)
			in.m.poster.Dispatch(events.CleanupEvent{Container: in.c.ID()})
		})

	// Launch.
	t.AddTransition(node.ContainerLocalized, node.ContainerRunning, events.ContainerLaunched, nil)
	t.AddMultiTransition(node.ContainerLocalized, events.ContainerExited,
		func(in *instance, ev events.ContainerEvent) node.ContainerState {
			// The launcher rejected the container before it ran.
			return in.m.recordExit(in.c, ev.(events.ContainerExitedEvent).Code)
		})
	t.AddTransition(node.ContainerLocalized, node.ContainerKilling, events.ContainerKill,
		func(in *instance, _ events.ContainerEvent) {
			in.m.releaseResources(in.c)
			in.m.poster.Dispatch(events.KillEvent{Container: in.c.ID()})
		})

	// Running.
	t.AddMultiTransition(node.ContainerRunning, events.ContainerExited,
		func(in *instance, ev events.ContainerEvent) node.ContainerState {
			return in.m.recordExit(in.c, ev.(events.ContainerExitedEvent).Code)
		})
	t.AddTransition(node.ContainerRunning, node.ContainerKilling, events.ContainerKill,
		func(in *instance, _ events.ContainerEvent) {
			in.m.releaseResources(in.c)
			in.m.poster.Dispatch(events.KillEvent{Container: in.c.ID()})
		})

	// Killing. KILL is idempotent; a straggling localization is released on
	// arrival; the process exit triggers the cleanup request.
	t.AddTransition(node.ContainerKilling, node.ContainerKilling, events.ContainerKill, nil)
	t.AddTransition(node.ContainerKilling, node.ContainerKilling, events.ContainerResourceLocalized,
		func(in *instance, ev events.ContainerEvent) {
			e := ev.(events.ContainerResourceLocalizedEvent)
			in.m.poster.Dispatch(events.ResourceReleaseEvent{
				Resource:  e.Resource,
				Scope:     in.c.ResourceScope(e.Resource),
				Container: in.c.ID(),
			})
		})
	t.AddTransition(node.ContainerKilling, node.ContainerKilling, events.ContainerResourceFailed, nil)
	t.AddTransition(node.ContainerKilling, node.ContainerKilling, events.ContainerLaunched,
		func(in *instance, _ events.ContainerEvent) {
			// The process started despite the kill; chase it.
			in.m.poster.Dispatch(events.KillEvent{Container: in.c.ID()})
		})
	t.AddTransition(node.ContainerKilling, node.ContainerKilling, events.ContainerExited,
		func(in *instance, ev events.ContainerEvent) {
			in.c.SetExitStatus(ev.(events.ContainerExitedEvent).Code)
			in.m.poster.Dispatch(events.CleanupEvent{Container: in.c.ID()})
		})
	t.AddTransition(node.ContainerKilling, node.ContainerDone, events.ContainerCleanupDone,
		func(in *instance, _ events.ContainerEvent) {
			in.c.SetExitStatus(ExitCodeKilled)
		})

	// Exit acknowledgement.
	t.AddTransition(node.ContainerExitedWithSuccess, node.ContainerDone, events.ContainerCleanupDone, nil)
	t.AddTransition(node.ContainerExitedWithFailure, node.ContainerDone, events.ContainerCleanupDone, nil)
	t.AddTransition(node.ContainerExitedWithSuccess, node.ContainerExitedWithSuccess, events.ContainerKill, nil)
	t.AddTransition(node.ContainerExitedWithFailure, node.ContainerExitedWithFailure, events.ContainerKill, nil)

	return t
}

// Manager is the dispatcher handler for container events. Container records
// are dereferenced through the node context by id, never held by other
// state machines.
type Manager struct {
	nodeCtx *node.Context
	poster  events.Poster
	logger  *zap.Logger
}

// NewManager creates the container event handler.
func NewManager(nodeCtx *node.Context, poster events.Poster, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{nodeCtx: nodeCtx, poster: poster, logger: logger}
}

// Handle routes one container event through the transition table. It
// implements dispatcher.Handler.
func (m *Manager) Handle(ev events.Event) {
	ce, ok := ev.(events.ContainerEvent)
	if !ok {
		m.logger.Error("Unexpected event type for container",
			zap.String("entity", ev.EntityID()),
		)
		return
	}

	ctr, ok := m.nodeCtx.Containers.Get(ce.Container())
	if !ok {
		m.logger.Warn("Event for unknown container dropped",
			zap.String("container", ce.Container().String()),
			zap.String("event", string(ce.Type())),
		)
		return
	}

	// Diagnostics updates are accepted in every non-terminal state.
	if d, ok := ev.(events.ContainerDiagnosticsEvent); ok {
		if ctr.State().Terminal() {
			m.logger.Debug("Diagnostics for finished container dropped",
				zap.String("container", ctr.ID().String()),
			)
			return
		}
		ctr.AppendDiagnostics(d.Message)
		return
	}

	current := ctr.State()
	next, err := containerTable.Apply(&instance{m: m, c: ctr}, current, ce.Type(), ce)
	if err != nil {
		if current.Terminal() {
			m.logger.Debug("Event for finished container dropped",
				zap.String("container", ctr.ID().String()),
				zap.String("event", string(ce.Type())),
			)
		} else {
			m.logger.Error("Illegal container event dropped",
				zap.String("container", ctr.ID().String()),
				zap.String("state", string(current)),
				zap.String("event", string(ce.Type())),
				zap.Error(err),
			)
		}
		return
	}
	if next == current {
		return
	}

	ctr.SetState(next)
	observability.ContainerTransitionsTotal.WithLabelValues(string(next)).Inc()
	if next == node.ContainerRunning {
		observability.ContainersRunning.Inc()
	}
	if current == node.ContainerRunning {
		observability.ContainersRunning.Dec()
	}
	m.logger.Info("Container transitioned",
		zap.String("container", ctr.ID().String()),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
	)

	if next == node.ContainerDone {
		m.poster.Dispatch(events.NewApplicationContainerFinished(ctr.ID().App, ctr.ID()))
	}
}

// requestLaunch hands a fully localized container to the launcher.
func (m *Manager) requestLaunch(c *node.Container) {
	m.poster.Dispatch(events.LaunchEvent{
		Container: c.ID(),
		Context:   c.LaunchContext(),
		Localized: c.LocalizedPaths(),
	})
}

// releaseResources drops the container's claim on everything it acquired,
// localized or still in flight.
func (m *Manager) releaseResources(c *node.Container) {
	for _, rsrc := range c.AcquiredResources() {
		m.poster.Dispatch(events.ResourceReleaseEvent{
			Resource:  rsrc,
			Scope:     c.ResourceScope(rsrc),
			Container: c.ID(),
		})
	}
}

// recordExit stores the exit status, releases resources and requests
// cleanup; the exit code picks the terminal branch.
func (m *Manager) recordExit(c *node.Container, code int32) node.ContainerState {
	c.SetExitStatus(code)
	if code != 0 {
		c.AppendDiagnostics(fmt.Sprintf("Process exited with status %d", code))
	}
	m.releaseResources(c)
	m.poster.Dispatch(events.CleanupEvent{Container: c.ID()})
	if code == 0 {
		return node.ContainerExitedWithSuccess
	}
	return node.ContainerExitedWithFailure
}
