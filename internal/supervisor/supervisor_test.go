package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

type spawnedChild struct {
	child *fakeChild
	cmd   registry.Command
}

type supervisorFixture struct {
	sup  *Supervisor
	bus  bus.EventBus
	proj *project.Project

	mu      sync.Mutex
	spawned []*spawnedChild

	statusMu sync.Mutex
	statuses []map[string]any
}

func (f *supervisorFixture) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *supervisorFixture) spawnAt(i int) *spawnedChild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[i]
}

func (f *supervisorFixture) statusFor(sessionID string) []string {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	var out []string
	for _, data := range f.statuses {
		if sid, _ := data[events.DataKeySessionID].(string); sid == sessionID {
			if status, _ := data[events.DataKeyStatus].(string); status != "" {
				out = append(out, status)
			}
		}
	}
	return out
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()

	log := newTestLogger(t)
	fx := &supervisorFixture{bus: bus.NewMemoryEventBus(log)}

	reg := registry.NewRegistry(log)
	require.NoError(t, reg.Register(&registry.Provider{
		ID:          "mock",
		Name:        "Mock",
		Binary:      "mock-agent",
		SessionFlag: "--session-id",
		ResumeFlag:  "--resume",
		Enabled:     true,
		Capabilities: registry.Capabilities{
			SupportsInterrupt: true,
		},
	}))

	cfg := &config.Config{
		Pool: config.PoolConfig{
			IdleGraceSec:     1,
			ExternalQuietSec: 1,
			MaxHistory:       100,
			HeartbeatSec:     30,
			CoalesceMs:       50,
		},
		Agent: config.AgentConfig{Provider: "mock", PermissionMode: "default"},
	}

	fx.sup = New(cfg, reg, fx.bus, log)
	fx.sup.spawn = func(cmd registry.Command, sink childSink, _ *logger.Logger) (child, error) {
		sc := &spawnedChild{child: &fakeChild{}, cmd: cmd}
		sc.child.onTerminate = func() { sink.onChildExit(nil) }
		fx.mu.Lock()
		fx.spawned = append(fx.spawned, sc)
		fx.mu.Unlock()
		return sc.child, nil
	}

	_, err := fx.bus.Subscribe(events.BuildSessionStatusSubject(), func(_ context.Context, ev *bus.Event) error {
		fx.statusMu.Lock()
		fx.statuses = append(fx.statuses, ev.Data)
		fx.statusMu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, fx.sup.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		fx.sup.Shutdown(ctx)
	})

	fx.proj = &project.Project{
		ID:             "-home-dev-app",
		AbsolutePath:   t.TempDir(),
		Name:           "app",
		SessionDirPath: t.TempDir(),
	}
	return fx
}

func (f *supervisorFixture) publishSessionFile(t *testing.T, sessionID, op string) {
	t.Helper()
	ev := bus.NewEvent(events.FileChanged, "watcher", map[string]any{
		events.DataKeyPath:      "/tmp/" + sessionID + ".jsonl",
		events.DataKeyOp:        op,
		events.DataKeySessionID: sessionID,
		events.DataKeyProjectID: f.proj.ID,
	})
	require.NoError(t, f.bus.Publish(context.Background(),
		events.BuildFileChangedSubject(events.FileKindSession), ev))
}

func TestSupervisor_StartSessionOwnsSession(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, &UserMessage{Text: "build it"}, StartOptions{})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotEmpty(t, p.SessionID())
	assert.Equal(t, fx.proj.ID, p.ProjectID())

	owner, ok := fx.sup.GetProcessForSession(p.SessionID())
	require.True(t, ok)
	assert.Same(t, p, owner)

	got, err := fx.sup.Get(p.ID())
	require.NoError(t, err)
	assert.Same(t, p, got)

	require.Equal(t, 1, fx.spawnCount())
	sc := fx.spawnAt(0)
	assert.Contains(t, sc.cmd.Args, "--session-id")
	assert.Contains(t, sc.cmd.Args, p.SessionID())
	assert.NotContains(t, sc.cmd.Args, "--resume")

	require.Eventually(t, func() bool { return sc.child.sentCount() == 1 },
		eventuallyTimeout, 5*time.Millisecond)
	assert.Equal(t, "build it", sc.child.sentMessages()[0])

	states := fx.sup.LiveStates()
	assert.Equal(t, StateStarting, states[p.SessionID()])
}

func TestSupervisor_ResumeEnqueuesIntoExistingOwner(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, &UserMessage{Text: "first"}, StartOptions{})
	require.NoError(t, err)

	owner, existing, err := fx.sup.ResumeSession(fx.proj, p.SessionID(), &UserMessage{Text: "second"}, StartOptions{})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Same(t, p, owner)
	assert.Equal(t, 1, fx.spawnCount(), "resume of an owned session must not spawn")

	require.Eventually(t, func() bool { return fx.spawnAt(0).child.sentCount() == 2 },
		eventuallyTimeout, 5*time.Millisecond)
}

func TestSupervisor_ResumeClaimsUnownedSession(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, existing, err := fx.sup.ResumeSession(fx.proj, "sess-old", &UserMessage{Text: "pick it up"}, StartOptions{})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, "sess-old", p.SessionID())

	require.Equal(t, 1, fx.spawnCount())
	args := fx.spawnAt(0).cmd.Args
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-old")

	owner, ok := fx.sup.GetProcessForSession("sess-old")
	require.True(t, ok)
	assert.Same(t, p, owner)
}

func TestSupervisor_AbortReleasesOwnership(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, nil, StartOptions{})
	require.NoError(t, err)
	sid := p.SessionID()

	require.NoError(t, fx.sup.Abort(p.ID()))

	require.Eventually(t, func() bool {
		_, ok := fx.sup.GetProcessForSession(sid)
		return !ok
	}, eventuallyTimeout, 5*time.Millisecond)

	_, err = fx.sup.Get(p.ID())
	assert.Equal(t, wire.CodeNotFound, wire.ErrorCode(err))

	require.Eventually(t, func() bool {
		statuses := fx.statusFor(sid)
		return len(statuses) > 0 && statuses[len(statuses)-1] == StateTerminated
	}, eventuallyTimeout, 5*time.Millisecond)
}

func TestSupervisor_UnknownProcess(t *testing.T) {
	fx := newSupervisorFixture(t)

	_, err := fx.sup.Get("nope")
	assert.Equal(t, wire.CodeNotFound, wire.ErrorCode(err))

	err = fx.sup.Abort("nope")
	assert.Equal(t, wire.CodeNotFound, wire.ErrorCode(err))

	_, _, err = fx.sup.Interrupt("nope")
	assert.Equal(t, wire.CodeNotFound, wire.ErrorCode(err))
}

func TestSupervisor_RekeysWhenChildAdoptsNewSessionID(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, nil, StartOptions{})
	require.NoError(t, err)
	minted := p.SessionID()

	p.onChildMessage(initLine(t, "sess-adopted"))

	require.Eventually(t, func() bool {
		owner, ok := fx.sup.GetProcessForSession("sess-adopted")
		return ok && owner == p
	}, eventuallyTimeout, 5*time.Millisecond)

	_, stillOwned := fx.sup.GetProcessForSession(minted)
	assert.False(t, stillOwned)
	assert.Equal(t, "sess-adopted", p.SessionID())
}

func TestSupervisor_ExternalSessionLifecycle(t *testing.T) {
	fx := newSupervisorFixture(t)

	fx.publishSessionFile(t, "ghost-sess", events.FileOpModify)

	require.Eventually(t, func() bool {
		return fx.sup.SessionStatus("ghost-sess") == StatusExternal
	}, eventuallyTimeout, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		statuses := fx.statusFor("ghost-sess")
		return len(statuses) == 1 && statuses[0] == StatusExternal
	}, eventuallyTimeout, 5*time.Millisecond)

	// Repeated writes refresh the stamp without re-announcing.
	fx.publishSessionFile(t, "ghost-sess", events.FileOpModify)
	assert.Len(t, fx.statusFor("ghost-sess"), 1)

	// Once the writes stop the sweep declares the session inactive.
	require.Eventually(t, func() bool {
		statuses := fx.statusFor("ghost-sess")
		return len(statuses) == 2 && statuses[1] == StatusInactive
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, fx.sup.SessionStatus("ghost-sess"))
}

func TestSupervisor_OwnedSessionNeverExternal(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, nil, StartOptions{})
	require.NoError(t, err)

	fx.publishSessionFile(t, p.SessionID(), events.FileOpModify)

	// Give the handler time to run; the owned session must not flip.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateStarting, fx.sup.SessionStatus(p.SessionID()))
	assert.NotContains(t, fx.statusFor(p.SessionID()), StatusExternal)
}

func TestSupervisor_ReleasedSessionQuietWindowSuppressesExternal(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, nil, StartOptions{})
	require.NoError(t, err)
	sid := p.SessionID()

	require.NoError(t, p.Abort())
	require.Eventually(t, func() bool {
		_, ok := fx.sup.GetProcessForSession(sid)
		return !ok
	}, eventuallyTimeout, 5*time.Millisecond)

	// Tail writes from the dying child arrive right after release.
	fx.publishSessionFile(t, sid, events.FileOpModify)
	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, fx.statusFor(sid), StatusExternal)
}

func TestSupervisor_EvictsIdleProcessAfterGrace(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, nil, StartOptions{})
	require.NoError(t, err)
	sid := p.SessionID()

	rec := &eventRecorder{}
	p.Subscribe(rec.record)

	p.onChildMessage(initLine(t, sid))
	p.onChildMessage(resultLine(t))
	waitForState(t, p, StateIdle)

	// Grace is 1s and the sweep ticks every second.
	require.Eventually(t, func() bool { return p.State() == StateTerminated },
		5*time.Second, 20*time.Millisecond)

	completes := rec.byType(EventComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, ReasonIdleEvicted, completes[0].Reason)

	_, ok := fx.sup.GetProcessForSession(sid)
	assert.False(t, ok)
}

func TestSupervisor_LiveStatesMergesOwnedAndExternal(t *testing.T) {
	fx := newSupervisorFixture(t)

	p, err := fx.sup.StartSession(fx.proj, nil, StartOptions{})
	require.NoError(t, err)
	p.onChildMessage(initLine(t, p.SessionID()))
	waitForState(t, p, StateRunning)

	fx.publishSessionFile(t, "ghost-sess", events.FileOpModify)
	require.Eventually(t, func() bool {
		return fx.sup.SessionStatus("ghost-sess") == StatusExternal
	}, eventuallyTimeout, 5*time.Millisecond)

	states := fx.sup.LiveStates()
	assert.Equal(t, StateRunning, states[p.SessionID()])
	assert.Equal(t, StatusExternal, states["ghost-sess"])
}
