package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/application"
	"github.com/cloudfab/nodeagent/pkg/auth"
	"github.com/cloudfab/nodeagent/pkg/container"
	"github.com/cloudfab/nodeagent/pkg/dispatcher"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/localizer"
	"github.com/cloudfab/nodeagent/pkg/node"
	"github.com/cloudfab/nodeagent/test/testutil"
)

var (
	appA = api.ApplicationID{ClusterTimestamp: 100, ID: 1}
	ctr0 = api.ContainerID{App: appA, Sequence: 0}
	ctr1 = api.ContainerID{App: appA, Sequence: 1}

	rsrc1 = api.ResourceRequest{URI: "s3://x/a", Size: 1, Visibility: api.VisibilityPublic}
	rsrc2 = api.ResourceRequest{URI: "s3://x/b", Size: 1, Visibility: api.VisibilityPublic}
)

// scriptedDownloader serves fetches from a per-uri script: a blocking
// channel, an error, or instant success.
type scriptedDownloader struct {
	mu    sync.Mutex
	calls map[string]int
	block map[string]chan struct{}
	fail  map[string]error
}

func newScriptedDownloader() *scriptedDownloader {
	return &scriptedDownloader{
		calls: make(map[string]int),
		block: make(map[string]chan struct{}),
		fail:  make(map[string]error),
	}
}

func (d *scriptedDownloader) Fetch(ctx context.Context, rsrc api.ResourceRequest, scope api.ResourceScope) (string, int64, error) {
	d.mu.Lock()
	d.calls[rsrc.URI]++
	release := d.block[rsrc.URI]
	failure := d.fail[rsrc.URI]
	d.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	if failure != nil {
		return "", 0, failure
	}
	return "/cache/" + rsrc.URI, rsrc.Size, nil
}

func (d *scriptedDownloader) callCount(uri string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[uri]
}

// fakeLauncher acknowledges launch, kill and cleanup instantly and lets
// tests script process exits.
type fakeLauncher struct {
	poster events.Poster
}

func (l *fakeLauncher) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.LaunchEvent:
		l.poster.Dispatch(events.NewContainerLaunched(e.Container))
	case events.KillEvent:
		l.poster.Dispatch(events.NewContainerExited(e.Container, -1))
	case events.CleanupEvent:
		l.poster.Dispatch(events.NewContainerCleanupDone(e.Container))
	}
}

func (l *fakeLauncher) exit(id api.ContainerID, code int32) {
	l.poster.Dispatch(events.NewContainerExited(id, code))
}

// stack is the assembled lifecycle core with fake edges.
type stack struct {
	nodeCtx    *node.Context
	dispatcher *dispatcher.Dispatcher
	manager    *ContainerManager
	localizer  *localizer.Service
	launcher   *fakeLauncher
	downloader *scriptedDownloader
}

func newStack(t *testing.T, verifier *auth.TokenVerifier) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	nodeCtx := node.NewContext()
	d := dispatcher.New(logger)
	dl := newScriptedDownloader()

	locService, err := localizer.NewService(&localizer.Config{
		EvictionInterval: time.Hour,
		Logger:           logger,
	}, dl, d)
	require.NoError(t, err)

	launch := &fakeLauncher{poster: d}

	d.Register(events.KindApplication, application.NewManager(nodeCtx, d, logger))
	d.Register(events.KindContainer, container.NewManager(nodeCtx, d, logger))
	d.Register(events.KindLocalization, dispatcher.HandlerFunc(locService.Handle))
	d.Register(events.KindLauncher, launch)
	d.Start()

	ctx, cancel := context.WithCancel(context.Background())
	locService.Start(ctx)
	t.Cleanup(func() {
		d.Stop(context.Background())
		cancel()
		locService.Stop()
	})

	return &stack{
		nodeCtx:    nodeCtx,
		dispatcher: d,
		manager:    NewContainerManager(nodeCtx, d, verifier, logger),
		localizer:  locService,
		launcher:   launch,
		downloader: dl,
	}
}

func (s *stack) start(t *testing.T, id api.ContainerID, resources ...api.ResourceRequest) {
	t.Helper()
	require.NoError(t, s.manager.StartContainer(context.Background(), api.StartContainerRequest{
		LaunchContext: api.ContainerLaunchContext{
			ContainerID: id,
			User:        "alice",
			Command:     []string{"sh", "-c", "true"},
			Resources:   resources,
		},
	}))
}

func (s *stack) waitState(t *testing.T, id api.ContainerID, state string) {
	t.Helper()
	testutil.WaitFor(t, 5*time.Second, func() bool {
		st, err := s.manager.GetContainerStatus(context.Background(), id)
		return err == nil && st.State == state
	}, fmt.Sprintf("container %s to reach %s", id, state))
}

// S1: happy path for a single container with one shared resource.
func TestSingleContainerHappyPath(t *testing.T) {
	s := newStack(t, nil)

	s.start(t, ctr0, rsrc1)

	s.waitState(t, ctr0, string(node.ContainerRunning))
	assert.Equal(t, 1, s.downloader.callCount(rsrc1.URI))

	st, err := s.manager.GetContainerStatus(context.Background(), ctr0)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", st.State)
	assert.Nil(t, st.ExitCode)
}

// S2: two containers share one resource; exactly one fetch.
func TestTwoContainersShareOneFetch(t *testing.T) {
	s := newStack(t, nil)
	release := make(chan struct{})
	s.downloader.block[rsrc1.URI] = release

	s.start(t, ctr0, rsrc1)
	s.start(t, ctr1, rsrc1)

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return s.downloader.callCount(rsrc1.URI) == 1
	}, "fetch to start")

	close(release)

	s.waitState(t, ctr0, string(node.ContainerRunning))
	s.waitState(t, ctr1, string(node.ContainerRunning))
	assert.Equal(t, 1, s.downloader.callCount(rsrc1.URI), "one fetch serves both containers")
}

// S3: stop during download releases the resource with no leaked state.
func TestStopDuringDownload(t *testing.T) {
	s := newStack(t, nil)
	release := make(chan struct{})
	s.downloader.block[rsrc1.URI] = release

	s.start(t, ctr0, rsrc1)
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return s.downloader.callCount(rsrc1.URI) == 1
	}, "fetch to start")

	require.NoError(t, s.manager.StopContainer(context.Background(), ctr0))

	s.waitState(t, ctr0, string(node.ContainerDone))
	st, err := s.manager.GetContainerStatus(context.Background(), ctr0)
	require.NoError(t, err)
	require.NotNil(t, st.ExitCode)
	assert.NotEqual(t, int32(0), *st.ExitCode)
	assert.Contains(t, st.Diagnostics, "killed by the application")

	// The fetch races in after the release; the result lands in cache with
	// nobody waiting.
	close(release)
	time.Sleep(100 * time.Millisecond)
}

// S4: a download failure aborts only the waiting containers.
func TestDownloadFailureCascadesOnlyToWaiters(t *testing.T) {
	s := newStack(t, nil)
	release := make(chan struct{})
	s.downloader.block[rsrc1.URI] = release
	s.downloader.fail[rsrc1.URI] = fmt.Errorf("connection refused")

	ctr2 := api.ContainerID{App: api.ApplicationID{ClusterTimestamp: 100, ID: 2}, Sequence: 0}

	s.start(t, ctr0, rsrc1)
	s.start(t, ctr1, rsrc1)
	s.start(t, ctr2, rsrc2)

	// The healthy container completes normally.
	s.waitState(t, ctr2, string(node.ContainerRunning))

	close(release)

	s.waitState(t, ctr0, string(node.ContainerDone))
	s.waitState(t, ctr1, string(node.ContainerDone))

	for _, id := range []api.ContainerID{ctr0, ctr1} {
		st, err := s.manager.GetContainerStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Contains(t, st.Diagnostics, "connection refused")
		require.NotNil(t, st.ExitCode)
		assert.NotEqual(t, int32(0), *st.ExitCode)
	}

	st, err := s.manager.GetContainerStatus(context.Background(), ctr2)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", st.State)
}

// S5: FINISH_APPS kills live containers and removes the application.
func TestControllerFinishApps(t *testing.T) {
	s := newStack(t, nil)

	s.start(t, ctr0)
	s.start(t, ctr1)
	s.waitState(t, ctr0, string(node.ContainerRunning))
	s.waitState(t, ctr1, string(node.ContainerRunning))

	// ctr0 finishes on its own; ctr1 keeps running.
	s.launcher.exit(ctr0, 0)
	s.waitState(t, ctr0, string(node.ContainerDone))

	s.manager.FinishApplications([]api.ApplicationID{appA})

	testutil.WaitFor(t, 5*time.Second, func() bool {
		_, ok := s.nodeCtx.Applications.Get(appA)
		return !ok
	}, "application removal")

	_, err := s.manager.GetContainerStatus(context.Background(), ctr1)
	assert.ErrorIs(t, err, ErrUnknownContainer, "container records leave with their application")
}

// S6: a duplicate start is rejected with no state change.
func TestDuplicateStartIsRejected(t *testing.T) {
	s := newStack(t, nil)

	s.start(t, ctr0)
	err := s.manager.StartContainer(context.Background(), api.StartContainerRequest{
		LaunchContext: api.ContainerLaunchContext{
			ContainerID: ctr0,
			User:        "mallory",
			Command:     []string{"sh", "-c", "true"},
		},
	})
	require.ErrorIs(t, err, ErrContainerExists)

	assert.Equal(t, 1, s.nodeCtx.Containers.Len())
	s.waitState(t, ctr0, string(node.ContainerRunning))

	ctr, ok := s.nodeCtx.Containers.Get(ctr0)
	require.True(t, ok)
	assert.Equal(t, "alice", ctr.LaunchContext().User, "first creator wins")
}

func TestControllerFinishContainersAddsDiagnostic(t *testing.T) {
	s := newStack(t, nil)

	s.start(t, ctr0)
	s.waitState(t, ctr0, string(node.ContainerRunning))

	s.manager.FinishContainers([]api.ContainerID{ctr0})

	s.waitState(t, ctr0, string(node.ContainerDone))
	st, err := s.manager.GetContainerStatus(context.Background(), ctr0)
	require.NoError(t, err)
	assert.Contains(t, st.Diagnostics, "Killed by controller")
}

func TestStopUnknownContainerIsBenign(t *testing.T) {
	s := newStack(t, nil)
	assert.NoError(t, s.manager.StopContainer(context.Background(), ctr0))
}

func TestStatusUnknownContainerIsError(t *testing.T) {
	s := newStack(t, nil)
	_, err := s.manager.GetContainerStatus(context.Background(), ctr0)
	assert.ErrorIs(t, err, ErrUnknownContainer)
}

func TestStartValidation(t *testing.T) {
	s := newStack(t, nil)

	err := s.manager.StartContainer(context.Background(), api.StartContainerRequest{
		LaunchContext: api.ContainerLaunchContext{User: "alice", Command: []string{"true"}},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = s.manager.StartContainer(context.Background(), api.StartContainerRequest{
		LaunchContext: api.ContainerLaunchContext{ContainerID: ctr0, User: "alice"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCleanupContainerIsNoOp(t *testing.T) {
	s := newStack(t, nil)
	assert.NoError(t, s.manager.CleanupContainer(context.Background(), ctr0))
}

func TestSecurityRequiresValidToken(t *testing.T) {
	key := []byte("test-signing-key-32-bytes-long!!")
	verifier, err := auth.NewTokenVerifier(key)
	require.NoError(t, err)
	s := newStack(t, verifier)

	// Missing token.
	err = s.manager.StartContainer(context.Background(), api.StartContainerRequest{
		LaunchContext: api.ContainerLaunchContext{
			ContainerID: ctr0,
			User:        "alice",
			Command:     []string{"sh", "-c", "true"},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Token bound to another container.
	wrong, err := auth.GenerateContainerToken(key, ctr1, "alice", time.Minute)
	require.NoError(t, err)
	err = s.manager.StartContainer(context.Background(), api.StartContainerRequest{
		LaunchContext: api.ContainerLaunchContext{
			ContainerID:    ctr0,
			User:           "alice",
			Command:        []string{"sh", "-c", "true"},
			ContainerToken: wrong,
		},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Valid token.
	token, err := auth.GenerateContainerToken(key, ctr0, "alice", time.Minute)
	require.NoError(t, err)
	err = s.manager.StartContainer(context.Background(), api.StartContainerRequest{
		LaunchContext: api.ContainerLaunchContext{
			ContainerID:    ctr0,
			User:           "alice",
			Command:        []string{"sh", "-c", "true"},
			ContainerToken: token,
		},
	})
	require.NoError(t, err)
	s.waitState(t, ctr0, string(node.ContainerRunning))
}
