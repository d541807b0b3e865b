// Package lockfile implements the advisory cross-node lock used to
// serialise fetches and rebuilds of processes sharing a data directory.
// Possession is denoted by the existence of the lock file; the file body
// carries owner metadata for forensics only.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrHeld is returned when the lock is currently held by another owner.
var ErrHeld = errors.New("locked by another node")

// StaleAfter bounds how long a holder may go without completing.
// A lock file older than this is presumed orphaned by a crash and
// is claimable by anyone.
const StaleAfter = 30 * time.Minute

// Owner is the payload written into an acquired lock file.
type Owner struct {
	PID  int       `json:"pid"`
	Host string    `json:"host"`
	Time time.Time `json:"time"`
}

// Lock is an acquired advisory file lock.
type Lock struct {
	path string
}

// Acquire attempts to take the lock at |path|.
// A stale lock (mtime older than StaleAfter) is removed first.
// If the lock is held, Acquire returns ErrHeld.
func Acquire(path string) (*Lock, error) {
	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) > StaleAfter {
			log.WithFields(log.Fields{"path": path, "mtime": info.ModTime()}).
				Warn("removing stale lock file")
			_ = os.Remove(path) // Best-effort; creation below decides the race.
		}
	}

	var f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("creating lock file %s: %w", path, err)
	}

	var host, _ = os.Hostname()
	if err = json.NewEncoder(f).Encode(Owner{
		PID:  os.Getpid(),
		Host: host,
		Time: time.Now().UTC(),
	}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing lock owner: %w", err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("closing lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Failure to remove is logged and
// otherwise non-fatal: the staleness bound reclaims it eventually.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"path": l.path, "err": err}).
			Warn("failed to remove lock file")
	}
}

// ReadOwner reads the owner payload of an existing lock file.
func ReadOwner(path string) (Owner, error) {
	var out Owner
	var b, err = os.ReadFile(path)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(b, &out)
}
