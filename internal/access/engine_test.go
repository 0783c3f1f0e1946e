package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	"github.com/odyssey-erp/gatekeeper/internal/identity"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/permission"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
	"github.com/odyssey-erp/gatekeeper/internal/scope"
)

// stubSource answers from fixed maps. A scope with a gate blocks until the gate
// is closed.
type stubSource struct {
	mu      sync.Mutex
	auth    identity.Context
	authErr error
	results map[string]*entitlements.Snapshot
	errs    map[string]error
	gates   map[string]chan struct{}
	started chan string
	calls   map[string]int
	authN   int
}

func newStubSource() *stubSource {
	return &stubSource{
		results: map[string]*entitlements.Snapshot{},
		errs:    map[string]error{},
		gates:   map[string]chan struct{}{},
		started: make(chan string, 16),
		calls:   map[string]int{},
	}
}

func (s *stubSource) gate(scopeID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[scopeID] = ch
	return ch
}

func (s *stubSource) AuthContext(context.Context) (identity.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authN++
	return s.auth, s.authErr
}

func (s *stubSource) Entitlements(ctx context.Context, scopeID string) (*entitlements.Snapshot, error) {
	s.mu.Lock()
	s.calls[scopeID]++
	gate := s.gates[scopeID]
	s.mu.Unlock()

	s.started <- scopeID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[scopeID]; err != nil {
		return nil, err
	}
	return s.results[scopeID], nil
}

func planSnapshot(scopeID string, perms ...string) *entitlements.Snapshot {
	return entitlements.NewSnapshot(scopeID, perms, nil, nil, time.Now())
}

func waitStarted(t *testing.T, src *stubSource, want string) {
	t.Helper()
	select {
	case got := <-src.started:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch for %s never started", want)
	}
}

func TestFetchEntitlementsAppliesAndCaches(t *testing.T) {
	src := newStubSource()
	src.results["biz-a"] = planSnapshot("biz-a", "MESSAGING.SEND.TEXT")
	entCache := entitlements.NewCache(cache.NewMemoryStore(16, time.Hour), time.Minute, time.Hour)
	engine := New(Params{Source: src, Cache: entCache, Metrics: observability.NewMetrics()})

	snap := engine.FetchEntitlements(context.Background(), "biz-a", false)
	require.NotNil(t, snap)
	require.Equal(t, "biz-a", engine.Snapshot().ScopeID)
	require.False(t, engine.EntLoading())
	require.NoError(t, engine.EntError())

	cached, ok := entCache.Fresh(context.Background(), "biz-a")
	require.True(t, ok, "successful fetch must write through")
	require.True(t, cached.Permissions.Has("messaging.send.text"))
}

func TestFetchEntitlementsEmptyScopeIsNoop(t *testing.T) {
	src := newStubSource()
	engine := New(Params{Source: src})
	engine.snapshot = planSnapshot("keep")

	require.Nil(t, engine.FetchEntitlements(context.Background(), "", true))
	require.Equal(t, "keep", engine.Snapshot().ScopeID)
	require.Empty(t, src.calls)
}

func TestFetchEntitlementsFailureRecordsError(t *testing.T) {
	src := newStubSource()
	src.errs["biz-a"] = errors.New("boom")
	engine := New(Params{Source: src})
	engine.snapshot = planSnapshot("previous")

	require.Nil(t, engine.FetchEntitlements(context.Background(), "biz-a", false))
	require.Nil(t, engine.Snapshot(), "failed fetch must not expose the previous scope")
	require.EqualError(t, engine.EntError(), "boom")
	require.False(t, engine.EntLoading())
}

func TestFetchEntitlementsClearsSnapshotWhileInFlight(t *testing.T) {
	src := newStubSource()
	release := src.gate("biz-b")
	src.results["biz-b"] = planSnapshot("biz-b")
	engine := New(Params{Source: src})
	engine.snapshot = planSnapshot("biz-a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.FetchEntitlements(context.Background(), "biz-b", false)
	}()
	waitStarted(t, src, "biz-b")
	require.Nil(t, engine.Snapshot())
	require.True(t, engine.EntLoading())

	close(release)
	<-done
	require.Equal(t, "biz-b", engine.Snapshot().ScopeID)
	require.False(t, engine.EntLoading())
}

func TestFetchEntitlementsWarmStart(t *testing.T) {
	src := newStubSource()
	release := src.gate("biz-a")
	src.results["biz-a"] = planSnapshot("biz-a", "BROADCAST.SEND")
	entCache := entitlements.NewCache(cache.NewMemoryStore(16, time.Hour), time.Minute, time.Hour)
	require.NoError(t, entCache.Put(context.Background(), planSnapshot("biz-a", "MESSAGING.SEND.TEXT")))
	engine := New(Params{Source: src, Cache: entCache})

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.FetchEntitlements(context.Background(), "biz-a", true)
	}()
	waitStarted(t, src, "biz-a")

	warm := engine.Snapshot()
	require.NotNil(t, warm, "fresh cache entry should be published before the network resolves")
	require.True(t, warm.Permissions.Has("MESSAGING.SEND.TEXT"))

	close(release)
	<-done
	final := engine.Snapshot()
	require.True(t, final.Permissions.Has("BROADCAST.SEND"))
	require.False(t, final.Permissions.Has("MESSAGING.SEND.TEXT"), "network result supersedes warm start")
}

func TestFetchEntitlementsSkipsExpiredWarmStart(t *testing.T) {
	src := newStubSource()
	release := src.gate("biz-a")
	src.results["biz-a"] = planSnapshot("biz-a")
	store := cache.NewMemoryStore(16, time.Hour)
	require.NoError(t, entitlements.NewCache(store, time.Minute, time.Hour).Put(context.Background(), planSnapshot("biz-a", "MESSAGING.SEND.TEXT")))
	// A nanosecond window makes the slot written above already stale.
	engine := New(Params{Source: src, Cache: entitlements.NewCache(store, time.Nanosecond, time.Hour)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.FetchEntitlements(context.Background(), "biz-a", true)
	}()
	waitStarted(t, src, "biz-a")
	require.Nil(t, engine.Snapshot())
	close(release)
	<-done
}

func TestFetchEntitlementsLatestRequestWins(t *testing.T) {
	cases := []struct {
		name     string
		firstOut string
		failB    bool
	}{
		{name: "older response arrives last", firstOut: "biz-b"},
		{name: "older response arrives first", firstOut: "biz-a"},
		{name: "newer request fails", firstOut: "biz-b", failB: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newStubSource()
			gates := map[string]chan struct{}{
				"biz-a": src.gate("biz-a"),
				"biz-b": src.gate("biz-b"),
			}
			src.results["biz-a"] = planSnapshot("biz-a", "MESSAGING.SEND.TEXT")
			src.results["biz-b"] = planSnapshot("biz-b", "BROADCAST.SEND")
			if tc.failB {
				src.errs["biz-b"] = errors.New("scope b unavailable")
			}
			entCache := entitlements.NewCache(cache.NewMemoryStore(16, time.Hour), time.Minute, time.Hour)
			engine := New(Params{Source: src, Cache: entCache})
			ctx := context.Background()

			results := make(map[string]*entitlements.Snapshot)
			var mu sync.Mutex
			var wg sync.WaitGroup
			fetch := func(scopeID string) {
				defer wg.Done()
				snap := engine.FetchEntitlements(ctx, scopeID, true)
				mu.Lock()
				results[scopeID] = snap
				mu.Unlock()
			}

			wg.Add(2)
			go fetch("biz-a")
			waitStarted(t, src, "biz-a")
			go fetch("biz-b")
			waitStarted(t, src, "biz-b")

			second := "biz-a"
			if tc.firstOut == "biz-a" {
				second = "biz-b"
			}
			close(gates[tc.firstOut])
			if tc.firstOut == "biz-a" {
				// Give the stale response every chance to land before b resolves.
				require.Eventually(t, func() bool {
					mu.Lock()
					defer mu.Unlock()
					_, done := results["biz-a"]
					return done
				}, 2*time.Second, 5*time.Millisecond)
				require.Nil(t, engine.Snapshot(), "superseded response must not be applied")
				require.True(t, engine.EntLoading(), "superseded fetch must not clear the newer loading flag")
			}
			close(gates[second])
			wg.Wait()

			require.Nil(t, results["biz-a"])
			_, cachedA := entCache.Fresh(ctx, "biz-a")
			require.False(t, cachedA, "superseded result must not be persisted")
			require.False(t, engine.EntLoading())

			final := engine.Snapshot()
			if tc.failB {
				require.Nil(t, final)
				require.Error(t, engine.EntError())
				return
			}
			require.NotNil(t, final)
			require.Equal(t, "biz-b", final.ScopeID)
			require.NoError(t, engine.EntError())
		})
	}
}

func TestSyncEntitlementsFollowsEffectiveScope(t *testing.T) {
	src := newStubSource()
	src.results["biz-x"] = planSnapshot("biz-x")
	src.results["biz-y"] = planSnapshot("biz-y")
	engine := New(Params{Source: src})
	ctx := context.Background()
	engine.sessions.Replace(identity.Context{IsAuthenticated: true, Role: "SUPER_ADMIN"})

	require.Nil(t, engine.SyncEntitlements(ctx), "elevated role without a selection has no scope")

	engine.SetScope(ctx, "biz-x", "X")
	require.Equal(t, "biz-x", engine.Snapshot().ScopeID)
	engine.SyncEntitlements(ctx)
	require.Equal(t, 1, src.calls["biz-x"], "unchanged scope must not refetch")

	engine.SetScope(ctx, "biz-y", "Y")
	require.Equal(t, "biz-y", engine.Snapshot().ScopeID)

	engine.ClearScope(ctx)
	require.Nil(t, engine.Snapshot())
	require.Equal(t, "", engine.EffectiveBusinessID())
}

func TestClearScopeDiscardsInFlightFetch(t *testing.T) {
	src := newStubSource()
	release := src.gate("biz-x")
	src.results["biz-x"] = planSnapshot("biz-x")
	engine := New(Params{Source: src})
	ctx := context.Background()
	engine.sessions.Replace(identity.Context{IsAuthenticated: true, Role: "SUPER_ADMIN"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.SetScope(ctx, "biz-x", "X")
	}()
	waitStarted(t, src, "biz-x")
	engine.ClearScope(ctx)
	require.False(t, engine.EntLoading())

	close(release)
	<-done
	require.Nil(t, engine.Snapshot())
}

func TestRefreshAuthContext(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticated swaps context and syncs scope", func(t *testing.T) {
		src := newStubSource()
		src.auth = identity.Context{IsAuthenticated: true, Role: "agent", BusinessID: "biz-1", Permissions: permission.NewSet("INBOX.READ")}
		src.results["biz-1"] = planSnapshot("biz-1")
		engine := New(Params{Source: src})

		got := engine.RefreshAuthContext(ctx)
		require.True(t, got.IsAuthenticated)
		require.True(t, engine.Session().Permissions.Has("inbox.read"))
		require.Equal(t, "biz-1", engine.Snapshot().ScopeID)
		require.False(t, engine.IsLoading())
	})

	t.Run("unauthenticated clears everything", func(t *testing.T) {
		src := newStubSource()
		src.auth = identity.Context{IsAuthenticated: false, Role: "agent", Permissions: permission.NewSet("INBOX.READ")}
		engine := New(Params{Source: src})
		engine.sessions.Replace(identity.Context{IsAuthenticated: true, Role: "agent", BusinessID: "biz-1", Permissions: permission.NewSet("INBOX.READ")})
		engine.snapshot = planSnapshot("biz-1")

		got := engine.RefreshAuthContext(ctx)
		require.False(t, got.IsAuthenticated)
		require.Equal(t, "", got.Role)
		require.False(t, engine.Can("INBOX.READ"))
		require.Nil(t, engine.Snapshot())
	})

	t.Run("transport failure clears session", func(t *testing.T) {
		src := newStubSource()
		src.authErr = errors.New("dial tcp: refused")
		engine := New(Params{Source: src})
		engine.sessions.Replace(identity.Context{IsAuthenticated: true, Role: "agent"})

		got := engine.RefreshAuthContext(ctx)
		require.False(t, got.IsAuthenticated)
		require.False(t, engine.Session().IsAuthenticated)
	})
}

func TestActivityRefreshRefetchesUnchangedScope(t *testing.T) {
	ctx := context.Background()
	src := newStubSource()
	src.auth = identity.Context{IsAuthenticated: true, Role: "agent", BusinessID: "biz-1", Permissions: permission.NewSet("MESSAGING.SEND.TEXT", "MESSAGING.SEND.IMAGE")}
	src.results["biz-1"] = planSnapshot("biz-1", "MESSAGING.SEND.TEXT")
	engine := New(Params{Source: src})

	engine.RefreshAuthContext(ctx)
	require.Equal(t, 1, src.calls["biz-1"])
	require.False(t, engine.Can("MESSAGING.SEND.IMAGE"))

	src.mu.Lock()
	src.results["biz-1"] = planSnapshot("biz-1", "MESSAGING.SEND.TEXT", "MESSAGING.SEND.IMAGE")
	src.mu.Unlock()

	require.NoError(t, engine.ActivityRefresh(ctx))
	require.Equal(t, 2, src.calls["biz-1"], "activity must re-fetch even when the scope is unchanged")
	require.True(t, engine.Can("MESSAGING.SEND.IMAGE"))
	require.Equal(t, 2, src.authN)
}

func TestActivityRefreshRetriesFailedFetch(t *testing.T) {
	ctx := context.Background()
	src := newStubSource()
	src.auth = identity.Context{IsAuthenticated: true, Role: "agent", BusinessID: "biz-1"}
	src.errs["biz-1"] = errors.New("plan service down")
	engine := New(Params{Source: src})

	engine.RefreshAuthContext(ctx)
	require.Error(t, engine.EntError())
	require.ErrorContains(t, engine.ActivityRefresh(ctx), "plan service down")

	src.mu.Lock()
	delete(src.errs, "biz-1")
	src.results["biz-1"] = planSnapshot("biz-1")
	src.mu.Unlock()

	require.NoError(t, engine.ActivityRefresh(ctx))
	require.NoError(t, engine.EntError())
	require.Equal(t, "biz-1", engine.Snapshot().ScopeID)
}

func TestActivityRefreshWithoutScope(t *testing.T) {
	src := newStubSource()
	engine := New(Params{Source: src})

	require.NoError(t, engine.ActivityRefresh(context.Background()))
	require.Nil(t, engine.Snapshot())
	require.Empty(t, src.calls)
}

func TestLogoutResetsState(t *testing.T) {
	store := cache.NewMemoryStore(16, time.Hour)
	scopes := scope.NewResolver(store, "", nil)
	engine := New(Params{Source: newStubSource(), Scopes: scopes})
	ctx := context.Background()
	engine.sessions.Replace(identity.Context{IsAuthenticated: true, Role: "SUPER_ADMIN"})
	scopes.Set(ctx, "biz-x", "X")
	engine.snapshot = planSnapshot("biz-x")

	engine.Logout(ctx)

	st := engine.State()
	require.False(t, st.IsAuthenticated)
	require.Equal(t, "", st.SelectedBusinessID)
	require.Nil(t, st.Entitlements)
	_, err := store.Get(ctx, scope.SelectionKey)
	require.ErrorIs(t, err, cache.ErrMiss)
}

func TestStateReportsFlags(t *testing.T) {
	src := newStubSource()
	src.errs["biz-1"] = errors.New("plan service down")
	engine := New(Params{Source: src})
	engine.sessions.Replace(identity.Context{IsAuthenticated: true, Role: "agent", BusinessID: "biz-1"})

	engine.RefreshEntitlements(context.Background())
	st := engine.State()
	require.True(t, st.IsAuthenticated)
	require.Equal(t, "biz-1", st.EffectiveBusinessID)
	require.Equal(t, "plan service down", st.EntError)
	require.False(t, st.EntLoading)
}

func TestNilEngineIsProgrammerError(t *testing.T) {
	var engine *Engine
	require.PanicsWithValue(t, ErrNotInitialised, func() { engine.Can("INBOX.READ") })
	require.PanicsWithValue(t, ErrNotInitialised, func() { (&Engine{}).HasFeature("X") })
}
