package application

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/node"
	"github.com/cloudfab/nodeagent/test/testutil"
)

var (
	appID = api.ApplicationID{ClusterTimestamp: 100, ID: 1}
	c0    = api.ContainerID{App: appID, Sequence: 0}
	c1    = api.ContainerID{App: appID, Sequence: 1}
)

type fixture struct {
	nodeCtx *node.Context
	poster  *testutil.RecordingPoster
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	nodeCtx := node.NewContext()
	poster := &testutil.RecordingPoster{}
	return &fixture{
		nodeCtx: nodeCtx,
		poster:  poster,
		manager: NewManager(nodeCtx, poster, zaptest.NewLogger(t)),
	}
}

func (f *fixture) addContainerRecord(id api.ContainerID) {
	f.nodeCtx.Containers.PutIfAbsent(id, node.NewContainer(api.ContainerLaunchContext{
		ContainerID: id,
		User:        "alice",
		Command:     []string{"sh", "-c", "true"},
	}))
}

func eventsOfType[T events.Event](evs []events.Event) []T {
	var out []T
	for _, ev := range evs {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) app(t *testing.T) *node.Application {
	t.Helper()
	app, ok := f.nodeCtx.Applications.Get(appID)
	require.True(t, ok)
	return app
}

func TestFirstInitCreatesApplication(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)

	f.manager.Handle(events.NewApplicationInit(appID, c0))

	app := f.app(t)
	assert.Equal(t, node.ApplicationIniting, app.State())
	assert.Equal(t, "alice", app.User())
	assert.Equal(t, 1, app.ContainerCount())
	require.Len(t, eventsOfType[events.ApplicationInitedEvent](f.poster.Events()), 1)
}

func TestInitedReleasesQueuedContainers(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.addContainerRecord(c1)

	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInit(appID, c1))
	f.poster.Reset()

	f.manager.Handle(events.NewApplicationInited(appID))

	assert.Equal(t, node.ApplicationRunning, f.app(t).State())
	inits := eventsOfType[events.ContainerInitEvent](f.poster.Events())
	require.Len(t, inits, 2, "every queued container is initialized")
}

func TestInitWhileRunningGoesStraightDown(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInited(appID))
	f.poster.Reset()

	f.addContainerRecord(c1)
	f.manager.Handle(events.NewApplicationInit(appID, c1))

	inits := eventsOfType[events.ContainerInitEvent](f.poster.Events())
	require.Len(t, inits, 1)
	assert.Equal(t, c1, inits[0].Container())
	assert.Equal(t, 2, f.app(t).ContainerCount())
}

func TestFinishKillsLiveContainers(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.addContainerRecord(c1)
	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInit(appID, c1))
	f.manager.Handle(events.NewApplicationInited(appID))
	f.poster.Reset()

	f.manager.Handle(events.NewApplicationFinish(appID))

	app := f.app(t)
	assert.Equal(t, node.ApplicationFinishingContainers, app.State())
	assert.True(t, app.FinishRequested())
	assert.Len(t, eventsOfType[events.ContainerKillEvent](f.poster.Events()), 2)
	assert.Empty(t, eventsOfType[events.ApplicationCleanupEvent](f.poster.Events()))
}

func TestLastContainerFinishTriggersCleanup(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.addContainerRecord(c1)
	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInit(appID, c1))
	f.manager.Handle(events.NewApplicationInited(appID))
	f.manager.Handle(events.NewApplicationFinish(appID))
	f.poster.Reset()

	f.manager.Handle(events.NewApplicationContainerFinished(appID, c0))
	assert.Equal(t, node.ApplicationFinishingContainers, f.app(t).State())
	assert.Empty(t, eventsOfType[events.ApplicationCleanupEvent](f.poster.Events()))

	f.manager.Handle(events.NewApplicationContainerFinished(appID, c1))
	assert.Equal(t, node.ApplicationFinishingApp, f.app(t).State())
	cleanups := eventsOfType[events.ApplicationCleanupEvent](f.poster.Events())
	require.Len(t, cleanups, 1)
	assert.Equal(t, appID, cleanups[0].Application)
	assert.Equal(t, "alice", cleanups[0].User)
}

func TestResourcesCleanedRemovesApplication(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInited(appID))
	f.manager.Handle(events.NewApplicationFinish(appID))
	f.manager.Handle(events.NewApplicationContainerFinished(appID, c0))
	require.Equal(t, node.ApplicationFinishingApp, f.app(t).State())

	f.manager.Handle(events.NewApplicationResourcesCleaned(appID))

	_, ok := f.nodeCtx.Applications.Get(appID)
	assert.False(t, ok, "application removed at DONE")
	_, ok = f.nodeCtx.Containers.Get(c0)
	assert.False(t, ok, "finished container records removed with the application")
}

func TestFinishWithNoContainersCleansUpImmediately(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInited(appID))
	f.manager.Handle(events.NewApplicationContainerFinished(appID, c0))
	require.Equal(t, node.ApplicationRunning, f.app(t).State(), "no finish requested yet")
	f.poster.Reset()

	f.manager.Handle(events.NewApplicationFinish(appID))

	assert.Equal(t, node.ApplicationFinishingApp, f.app(t).State())
	require.Len(t, eventsOfType[events.ApplicationCleanupEvent](f.poster.Events()), 1)
}

func TestContainerFinishedWithoutFinishKeepsRunning(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInited(appID))
	f.poster.Reset()

	f.manager.Handle(events.NewApplicationContainerFinished(appID, c0))

	assert.Equal(t, node.ApplicationRunning, f.app(t).State())
	assert.Empty(t, eventsOfType[events.ApplicationCleanupEvent](f.poster.Events()))
}

func TestLateContainerDuringTeardownIsKilled(t *testing.T) {
	f := newFixture(t)
	f.addContainerRecord(c0)
	f.manager.Handle(events.NewApplicationInit(appID, c0))
	f.manager.Handle(events.NewApplicationInited(appID))
	f.manager.Handle(events.NewApplicationFinish(appID))
	require.Equal(t, node.ApplicationFinishingContainers, f.app(t).State())
	f.poster.Reset()

	f.addContainerRecord(c1)
	f.manager.Handle(events.NewApplicationInit(appID, c1))

	kills := eventsOfType[events.ContainerKillEvent](f.poster.Events())
	require.Len(t, kills, 1)
	assert.Equal(t, c1, kills[0].Container())
	assert.Empty(t, eventsOfType[events.ContainerInitEvent](f.poster.Events()))
}

func TestEventForUnknownApplicationIsDropped(t *testing.T) {
	f := newFixture(t)

	f.manager.Handle(events.NewApplicationFinish(appID))

	assert.Empty(t, f.poster.Events())
	_, ok := f.nodeCtx.Applications.Get(appID)
	assert.False(t, ok)
}
