// Package provider implements the per-provider coordinator which drives
// the fetch → build → swap pipeline and owns the live query store.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agridata/refdata/go/lockfile"
)

// Sentinel errors surfaced to control callers. They are expected
// conditions, not failures: the caller retries on its own cadence.
var (
	ErrNotReady        = errors.New("no dataset loaded yet")
	ErrAlreadyFetching = errors.New("already fetching")
	ErrAlreadyBuilding = errors.New("already rebuilding")
)

// ErrNotFound marks a point-lookup miss, distinct from engine failure.
var ErrNotFound = errors.New("not found")

// Store is a read-only handle onto one built database file.
// Implementations are immutable after construction and safe for
// concurrent readers.
type Store interface {
	// Path of the database file backing this store.
	Path() string
	// Meta is the dataset metadata written by the builder.
	Meta() map[string]string
	// Stats reports row counts of the dataset for health reporting.
	Stats() (map[string]int64, error)
	Close() error
}

// BuildOptions optionally restricts the admitted record set of a build.
// A nil Types retains the driver's previous allow-list.
type BuildOptions struct {
	Types []string
}

// Driver is the provider-specific half of the pipeline: it knows how to
// download the upstream artifact, build a database from it, and open a
// built database as a Store.
type Driver interface {
	// Name is the provider identifier, used as DB file prefix and label.
	Name() string
	// Fetch downloads the upstream artifact into |dir| and returns the
	// path of the raw artifact it wrote.
	Fetch(ctx context.Context, dir string) (string, error)
	// FindRaw locates an existing raw artifact in |dir|, if any.
	FindRaw(dir string) (string, bool)
	// Build streams |rawPath| into a fresh database at |dbPath|.
	// On error no file remains at |dbPath|.
	Build(ctx context.Context, rawPath, dbPath string, opts BuildOptions) error
	// Open opens a built database read-only.
	Open(dbPath string) (Store, error)
}

// Config of a Coordinator.
type Config struct {
	// Dir is the provider's data directory.
	Dir string
	// RefreshDay and RefreshHour schedule the weekly refresh in local time.
	RefreshDay  time.Weekday
	RefreshHour int
}

// Coordinator owns the lifecycle of one provider: it is the only
// component which mutates the live Store reference or the
// fetching / building flags.
type Coordinator struct {
	driver Driver
	cfg    Config

	// gcDelay separates a swap from the sweep of superseded files,
	// letting in-flight readers of the old handle drain.
	gcDelay time.Duration

	mu        sync.Mutex
	store     Store
	rawPath   string
	lastFetch time.Time
	fetching  bool
	building  bool
	ready     bool
}

// Status is a point-in-time snapshot of coordinator state.
type Status struct {
	Provider  string
	Ready     bool
	Fetching  bool
	Building  bool
	StorePath string
	RawPath   string
	LastFetch time.Time
	Meta      map[string]string
}

// New returns a Coordinator over |driver| with the given Config.
func New(driver Driver, cfg Config) *Coordinator {
	return &Coordinator{
		driver:  driver,
		cfg:     cfg,
		gcDelay: time.Second,
	}
}

// Store returns the live Store, or nil if none has been published.
// The returned handle remains valid for the duration of a query even
// if a swap occurs concurrently: handles are closed only after the
// GC grace period, and query readers are short-lived.
func (c *Coordinator) Store() Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// Status snapshots the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = Status{
		Provider:  c.driver.Name(),
		Ready:     c.ready,
		Fetching:  c.fetching,
		Building:  c.building,
		RawPath:   c.rawPath,
		LastFetch: c.lastFetch,
	}
	if c.store != nil {
		out.StorePath = c.store.Path()
		out.Meta = c.store.Meta()
	}
	return out
}

// Init brings the provider into service:
// adopt the newest database file if one opens cleanly, else build from an
// existing raw artifact, else fetch and build. A failed fetch or build
// leaves the provider serviceable with no live Store; queries answer
// "not ready" until a later refresh heals it. Init finally starts the
// weekly refresh loop, which runs until |ctx| is cancelled.
func (c *Coordinator) Init(ctx context.Context) error {
	var err = c.init(ctx)

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	go c.refreshLoop(ctx)
	return err
}

func (c *Coordinator) init(ctx context.Context) error {
	if dbPath, ok := c.newestDB(); ok {
		var store, err = c.driver.Open(dbPath)
		if err == nil {
			log.WithFields(log.Fields{
				"provider": c.driver.Name(),
				"db":       dbPath,
			}).Info("adopted existing database")

			if raw, ok := c.driver.FindRaw(c.cfg.Dir); ok {
				c.mu.Lock()
				c.rawPath = raw
				c.mu.Unlock()
			}
			c.swap(store)
			return nil
		}
		log.WithFields(log.Fields{
			"provider": c.driver.Name(),
			"db":       dbPath,
			"err":      err,
		}).Warn("existing database failed to open; rebuilding")
	}

	if raw, ok := c.driver.FindRaw(c.cfg.Dir); ok {
		c.mu.Lock()
		c.rawPath = raw
		c.mu.Unlock()

		if err := c.Rebuild(ctx, BuildOptions{}); err != nil {
			return fmt.Errorf("initial build: %w", err)
		}
		return nil
	}

	if err := c.Fetch(ctx); err != nil {
		return fmt.Errorf("initial fetch: %w", err)
	}
	return nil
}

// Fetch downloads the upstream artifact and, on success, drives a build.
// It returns ErrAlreadyFetching if a local fetch is in flight, or
// lockfile.ErrHeld if a peer process holds the cross-node fetch lock.
func (c *Coordinator) Fetch(ctx context.Context) error {
	c.mu.Lock()
	if c.fetching {
		c.mu.Unlock()
		return ErrAlreadyFetching
	}
	c.fetching = true
	c.mu.Unlock()

	var err = c.fetch(ctx)

	c.mu.Lock()
	c.fetching = false
	c.mu.Unlock()

	if err != nil {
		fetchCounter.WithLabelValues(c.driver.Name(), "error").Inc()
		return err
	}
	fetchCounter.WithLabelValues(c.driver.Name(), "ok").Inc()

	return c.Rebuild(ctx, BuildOptions{})
}

func (c *Coordinator) fetch(ctx context.Context) error {
	var lock, err = lockfile.Acquire(filepath.Join(c.cfg.Dir, "fetch.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	rawPath, err := c.driver.Fetch(ctx, c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("fetching %s dataset: %w", c.driver.Name(), err)
	}

	c.mu.Lock()
	c.rawPath = rawPath
	c.lastFetch = time.Now().UTC()
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"provider": c.driver.Name(),
		"raw":      rawPath,
	}).Info("fetched upstream dataset")
	return nil
}

// Rebuild builds a fresh database from the current raw artifact and
// swaps it in. It returns ErrAlreadyBuilding if a local build is in
// flight, or lockfile.ErrHeld if a peer holds the cross-node lock.
func (c *Coordinator) Rebuild(ctx context.Context, opts BuildOptions) error {
	c.mu.Lock()
	if c.building {
		c.mu.Unlock()
		return ErrAlreadyBuilding
	}
	c.building = true
	var rawPath = c.rawPath
	c.mu.Unlock()

	var err = c.rebuild(ctx, rawPath, opts)

	c.mu.Lock()
	c.building = false
	c.mu.Unlock()

	if err != nil {
		buildCounter.WithLabelValues(c.driver.Name(), "error").Inc()
		return err
	}
	buildCounter.WithLabelValues(c.driver.Name(), "ok").Inc()
	return nil
}

func (c *Coordinator) rebuild(ctx context.Context, rawPath string, opts BuildOptions) error {
	if rawPath == "" {
		var raw, ok = c.driver.FindRaw(c.cfg.Dir)
		if !ok {
			return fmt.Errorf("no raw %s artifact to build from", c.driver.Name())
		}
		rawPath = raw
	}

	var lock, err = lockfile.Acquire(filepath.Join(c.cfg.Dir, "rebuild.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	var dbPath = filepath.Join(c.cfg.Dir,
		fmt.Sprintf("%s_%d.db", c.driver.Name(), time.Now().UnixMilli()))

	var started = time.Now()
	if err = c.driver.Build(ctx, rawPath, dbPath, opts); err != nil {
		return fmt.Errorf("building %s database: %w", c.driver.Name(), err)
	}

	store, err := c.driver.Open(dbPath)
	if err != nil {
		_ = os.Remove(dbPath)
		return fmt.Errorf("opening built database: %w", err)
	}

	log.WithFields(log.Fields{
		"provider": c.driver.Name(),
		"db":       dbPath,
		"took":     time.Since(started).String(),
	}).Info("built database")

	c.swap(store)
	return nil
}

// swap publishes |next| as the live Store. The previous handle is
// closed only after the GC grace period, so a reader which resolved it
// just before the swap can still complete its query.
func (c *Coordinator) swap(next Store) {
	c.mu.Lock()
	var prev = c.store
	c.store = next
	c.mu.Unlock()

	time.AfterFunc(c.gcDelay, func() {
		if prev != nil {
			if err := prev.Close(); err != nil {
				log.WithFields(log.Fields{
					"provider": c.driver.Name(),
					"db":       prev.Path(),
					"err":      err,
				}).Warn("closing superseded store")
			}
		}
		c.CollectGarbage()
	})
}

// CollectGarbage removes every provider database file except the live
// one. Files which cannot be unlinked (held open by a peer process on a
// shared filesystem) are skipped and retried on the next swap.
func (c *Coordinator) CollectGarbage() {
	c.mu.Lock()
	var keep string
	if c.store != nil {
		keep = c.store.Path()
	}
	c.mu.Unlock()

	var matches, err = filepath.Glob(
		filepath.Join(c.cfg.Dir, c.driver.Name()+"_*.db"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if path == keep {
			continue
		}
		if err := os.Remove(path); err != nil {
			continue
		}
		log.WithFields(log.Fields{
			"provider": c.driver.Name(),
			"db":       path,
		}).Info("removed superseded database")
	}
}

// newestDB returns the lexicographically greatest provider database file.
// File names embed a unix-millisecond suffix, so lexicographic order is
// timestamp order.
func (c *Coordinator) newestDB() (string, bool) {
	var matches, err = filepath.Glob(
		filepath.Join(c.cfg.Dir, c.driver.Name()+"_*.db"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[len(matches)-1], true
}

// refreshLoop fires the weekly refresh until |ctx| is cancelled.
// A tick missed while the process was down is not replayed.
func (c *Coordinator) refreshLoop(ctx context.Context) {
	for {
		var next = nextRefresh(time.Now(), c.cfg.RefreshDay, c.cfg.RefreshHour)
		var timer = time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		log.WithField("provider", c.driver.Name()).Info("weekly refresh")
		if err := c.Fetch(ctx); err != nil {
			var level = log.ErrorLevel
			if isExpected(err) {
				level = log.InfoLevel
			}
			log.StandardLogger().WithFields(log.Fields{
				"provider": c.driver.Name(),
				"err":      err,
			}).Log(level, "weekly refresh did not complete")
		}
	}
}

// isExpected reports whether |err| is a benign pipeline sentinel.
func isExpected(err error) bool {
	return errors.Is(err, ErrAlreadyFetching) ||
		errors.Is(err, ErrAlreadyBuilding) ||
		errors.Is(err, lockfile.ErrHeld)
}

// nextRefresh returns the first instant after |now| falling on |day|
// at |hour| o'clock local time.
func nextRefresh(now time.Time, day time.Weekday, hour int) time.Time {
	var next = time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	for next.Weekday() != day || !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DirSizes reports the size in bytes of every file in the provider's
// data directory, for health reporting.
func (c *Coordinator) DirSizes() map[string]int64 {
	var out = make(map[string]int64)
	var entries, err = os.ReadDir(c.cfg.Dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if info, err := e.Info(); err == nil {
			out[e.Name()] = info.Size()
		}
	}
	return out
}
