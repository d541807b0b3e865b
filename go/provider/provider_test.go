package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agridata/refdata/go/lockfile"
)

type fakeStore struct {
	path string
	meta map[string]string

	mu     sync.Mutex
	closed bool
}

func (s *fakeStore) Path() string                    { return s.path }
func (s *fakeStore) Meta() map[string]string         { return s.meta }
func (s *fakeStore) Stats() (map[string]int64, error) { return map[string]int64{"rows": 1}, nil }

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDriver struct {
	mu       sync.Mutex
	fetchErr error
	buildErr error
	fetches  int
	builds   int
	stores   []*fakeStore
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Fetch(_ context.Context, dir string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	if d.fetchErr != nil {
		return "", d.fetchErr
	}
	var path = filepath.Join(dir, "raw.dat")
	return path, os.WriteFile(path, []byte("raw"), 0o644)
}

func (d *fakeDriver) FindRaw(dir string) (string, bool) {
	var path = filepath.Join(dir, "raw.dat")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (d *fakeDriver) Build(_ context.Context, rawPath, dbPath string, _ BuildOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builds++
	if d.buildErr != nil {
		return d.buildErr
	}
	return os.WriteFile(dbPath, []byte("db"), 0o644)
}

func (d *fakeDriver) Open(dbPath string) (Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, err
	}
	var store = &fakeStore{
		path: dbPath,
		meta: map[string]string{"builtAt": time.Now().UTC().Format(time.RFC3339Nano)},
	}
	d.mu.Lock()
	d.stores = append(d.stores, store)
	d.mu.Unlock()
	return store, nil
}

func (d *fakeDriver) counts() (fetches, builds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches, d.builds
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeDriver, string, context.Context) {
	t.Helper()

	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var dir = t.TempDir()
	var driver = &fakeDriver{}
	var c = New(driver, Config{Dir: dir, RefreshDay: time.Sunday, RefreshHour: 2})
	c.gcDelay = time.Millisecond
	return c, driver, dir, ctx
}

func TestInitAdoptsNewestDB(t *testing.T) {
	var c, driver, dir, ctx = newTestCoordinator(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fake_100.db"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fake_200.db"), []byte("new"), 0o644))

	require.NoError(t, c.Init(ctx))
	require.Equal(t, filepath.Join(dir, "fake_200.db"), c.Store().Path())

	// Adoption neither fetches nor builds.
	fetches, builds := driver.counts()
	require.Zero(t, fetches)
	require.Zero(t, builds)
	require.True(t, c.Status().Ready)
}

func TestInitBuildsFromExistingRaw(t *testing.T) {
	var c, driver, dir, ctx = newTestCoordinator(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.dat"), []byte("raw"), 0o644))

	require.NoError(t, c.Init(ctx))
	require.NotNil(t, c.Store())

	fetches, builds := driver.counts()
	require.Zero(t, fetches)
	require.Equal(t, 1, builds)
}

func TestInitFetchesWhenEmpty(t *testing.T) {
	var c, driver, _, ctx = newTestCoordinator(t)

	require.NoError(t, c.Init(ctx))
	require.NotNil(t, c.Store())

	fetches, builds := driver.counts()
	require.Equal(t, 1, fetches)
	require.Equal(t, 1, builds)
}

func TestInitFailureLeavesServiceable(t *testing.T) {
	var c, driver, _, ctx = newTestCoordinator(t)
	driver.fetchErr = errors.New("upstream down")

	require.Error(t, c.Init(ctx))
	require.Nil(t, c.Store())

	// The provider is up and answers "not ready" rather than crashing.
	require.True(t, c.Status().Ready)
	require.False(t, c.Status().Fetching)
	require.False(t, c.Status().Building)
}

func TestRebuildSwapsAndCollectsGarbage(t *testing.T) {
	var c, _, dir, ctx = newTestCoordinator(t)
	c.gcDelay = 50 * time.Millisecond

	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.dat"), []byte("raw"), 0o644))
	require.NoError(t, c.Init(ctx))

	var first = c.Store().(*fakeStore)

	time.Sleep(2 * time.Millisecond) // Distinct millisecond suffix.
	require.NoError(t, c.Rebuild(ctx, BuildOptions{}))

	var second = c.Store().(*fakeStore)
	require.NotEqual(t, first.path, second.path)
	require.True(t, second.path > first.path, "newer file sorts last")

	// The superseded handle stays open through the grace period, so a
	// reader which resolved it just before the swap can still query it.
	require.False(t, first.isClosed())
	require.Eventually(t, first.isClosed, time.Second, time.Millisecond)
	require.False(t, second.isClosed())

	// GC leaves exactly the live database file.
	c.CollectGarbage()
	matches, err := filepath.Glob(filepath.Join(dir, "fake_*.db"))
	require.NoError(t, err)
	require.Equal(t, []string{second.path}, matches)
}

func TestFailedRebuildLeavesPreviousStore(t *testing.T) {
	var c, driver, dir, ctx = newTestCoordinator(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.dat"), []byte("raw"), 0o644))
	require.NoError(t, c.Init(ctx))

	var live = c.Store().(*fakeStore)
	driver.buildErr = errors.New("parse failure")

	require.Error(t, c.Rebuild(ctx, BuildOptions{}))
	require.Same(t, live, c.Store().(*fakeStore))
	require.False(t, live.isClosed())
	require.False(t, c.Status().Building)
}

func TestFetchLockedByPeer(t *testing.T) {
	var c, driver, dir, ctx = newTestCoordinator(t)

	var lockPath = filepath.Join(dir, "fetch.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid":999}`), 0o644))

	// A fresh peer lock blocks the fetch without touching upstream.
	require.ErrorIs(t, c.Fetch(ctx), lockfile.ErrHeld)
	fetches, _ := driver.counts()
	require.Zero(t, fetches)

	// A stale lock is claimed and the pipeline proceeds.
	var old = time.Now().Add(-lockfile.StaleAfter - time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, c.Fetch(ctx))
	require.NotNil(t, c.Store())

	// The lock was released on completion.
	_, err := os.Stat(lockPath)
	require.True(t, os.IsNotExist(err))
}

func TestRebuildLockedByPeer(t *testing.T) {
	var c, _, dir, ctx = newTestCoordinator(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.dat"), []byte("raw"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rebuild.lock"), []byte(`{}`), 0o644))

	require.ErrorIs(t, c.Rebuild(ctx, BuildOptions{}), lockfile.ErrHeld)
	require.False(t, c.Status().Building)
}

func TestAlreadyInProgressSentinels(t *testing.T) {
	var c, _, _, ctx = newTestCoordinator(t)

	c.mu.Lock()
	c.fetching = true
	c.building = true
	c.mu.Unlock()

	require.ErrorIs(t, c.Fetch(ctx), ErrAlreadyFetching)
	require.ErrorIs(t, c.Rebuild(ctx, BuildOptions{}), ErrAlreadyBuilding)
}

func TestRebuildWithoutRawArtifact(t *testing.T) {
	var c, _, _, ctx = newTestCoordinator(t)

	var err = c.Rebuild(ctx, BuildOptions{})
	require.ErrorContains(t, err, "no raw fake artifact")
}

func TestNextRefresh(t *testing.T) {
	var loc = time.UTC
	var cases = []struct {
		now, expect time.Time
	}{
		// Midweek rolls forward to Sunday.
		{
			time.Date(2024, 5, 1, 12, 0, 0, 0, loc), // Wednesday
			time.Date(2024, 5, 5, 2, 0, 0, 0, loc),
		},
		// Sunday before the refresh hour fires the same day.
		{
			time.Date(2024, 5, 5, 1, 0, 0, 0, loc),
			time.Date(2024, 5, 5, 2, 0, 0, 0, loc),
		},
		// Sunday after the refresh hour waits a full week.
		{
			time.Date(2024, 5, 5, 3, 0, 0, 0, loc),
			time.Date(2024, 5, 12, 2, 0, 0, 0, loc),
		},
		// Exactly at the tick schedules the next week.
		{
			time.Date(2024, 5, 5, 2, 0, 0, 0, loc),
			time.Date(2024, 5, 12, 2, 0, 0, 0, loc),
		},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, nextRefresh(tc.now, time.Sunday, 2), "from %v", tc.now)
	}
}

func TestDirSizes(t *testing.T) {
	var c, _, dir, _ = newTestCoordinator(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.dat"), []byte("12345"), 0o644))

	var sizes = c.DirSizes()
	require.Equal(t, int64(5), sizes["raw.dat"])
}

func TestStatusMeta(t *testing.T) {
	var c, _, dir, ctx = newTestCoordinator(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.dat"), []byte("raw"), 0o644))
	require.NoError(t, c.Init(ctx))

	var st = c.Status()
	require.Equal(t, "fake", st.Provider)
	require.NotEmpty(t, st.Meta["builtAt"])
	require.Equal(t, fmt.Sprintf("%s/raw.dat", dir), st.RawPath)
}
