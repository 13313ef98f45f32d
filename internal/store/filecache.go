package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

// CacheEntry is one file the agent has already staged to local disk,
// indexed by inode the way agent/files.c's global_files array is: a
// process.c-level inode identifies the same file across Host.run calls
// regardless of which process it's attached to, and iseq invalidates a
// stale copy rather than keying by object path.
type CacheEntry struct {
	Inode        string
	Name         string
	Seq          uint64
	Mode         uint8
	InstancePath string
}

// FileCache is the agent's sqlite-backed local cache of downloaded file
// content, avoiding a redundant download when the same (inode, seq) is
// attached to a second Host.run on this host.
type FileCache struct {
	db *sql.DB
}

// OpenFileCache opens (creating if necessary) the sqlite database at path
// and brings its schema up to date via the embedded migrations.
func OpenFileCache(path string) (*FileCache, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite + WAL: one writer is simplest and sufficient here

	driver, err := newSQLiteDriver(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: preparing migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("store: applying migrations: %w", err)
	}

	return &FileCache{db: db}, nil
}

func (c *FileCache) Close() error { return c.db.Close() }

// Lookup returns the cached entry for inode, and whether it was found at
// all (regardless of whether its seq is still current — callers compare
// Seq themselves, mirroring files.c's "if (gfile->iseq == file->iseq)
// continue" check).
func (c *FileCache) Lookup(inode string) (CacheEntry, bool, error) {
	var e CacheEntry
	row := c.db.QueryRow(`SELECT inode, name, seq, mode, instance_path FROM file_cache WHERE inode = ?`, inode)
	if err := row.Scan(&e.Inode, &e.Name, &e.Seq, &e.Mode, &e.InstancePath); err != nil {
		if err == sql.ErrNoRows {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, fmt.Errorf("store: looking up inode %s: %w", inode, err)
	}
	return e, true, nil
}

// Put records (or replaces) the cache entry for inode, the same
// drop-then-reattach the teacher's `gfile->iseq == file->iseq` branch in
// files.c performs when a file's sequence has moved on.
func (c *FileCache) Put(e CacheEntry) error {
	_, err := c.db.Exec(
		`INSERT INTO file_cache (inode, name, seq, mode, instance_path, cached_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(inode) DO UPDATE SET name=excluded.name, seq=excluded.seq, mode=excluded.mode, instance_path=excluded.instance_path, cached_at=excluded.cached_at`,
		e.Inode, e.Name, e.Seq, e.Mode, e.InstancePath, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: caching inode %s: %w", e.Inode, err)
	}
	return nil
}

// Discard drops the cached entry for inode (agent/files.c's
// ni_testbus_agent_discard_cached_file). The agent does not subscribe to
// Tmpfile.deleted, so nothing calls this when a File object is deleted.
func (c *FileCache) Discard(inode string) error {
	_, err := c.db.Exec(`DELETE FROM file_cache WHERE inode = ?`, inode)
	if err != nil {
		return fmt.Errorf("store: discarding inode %s: %w", inode, err)
	}
	return nil
}

// MonitorCheckpoint returns the last event sequence this agent has pushed
// to the master for monitorPath, 0 if none is recorded yet.
func (c *FileCache) MonitorCheckpoint(monitorPath string) (uint64, error) {
	var seq uint64
	row := c.db.QueryRow(`SELECT last_seq FROM monitor_checkpoint WHERE monitor_path = ?`, monitorPath)
	if err := row.Scan(&seq); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("store: reading checkpoint for %s: %w", monitorPath, err)
	}
	return seq, nil
}

// SetMonitorCheckpoint records the last event sequence pushed for
// monitorPath.
func (c *FileCache) SetMonitorCheckpoint(monitorPath string, seq uint64) error {
	_, err := c.db.Exec(
		`INSERT INTO monitor_checkpoint (monitor_path, last_seq) VALUES (?, ?)
		 ON CONFLICT(monitor_path) DO UPDATE SET last_seq=excluded.last_seq`,
		monitorPath, seq,
	)
	if err != nil {
		return fmt.Errorf("store: checkpointing %s: %w", monitorPath, err)
	}
	return nil
}
