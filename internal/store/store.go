// Package store implements the embedded relational store: a single
// writer serialized behind a mutex, write-ahead logging, and foreign keys
// enforced, backed by modernc.org/sqlite (a pure-Go driver, avoiding a
// cgo toolchain requirement). Reads may be issued from many goroutines,
// but every statement runs on one pooled connection, so a read waits
// while another statement, or an open PluginStream, holds it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plugin-registry/pluginindexer/internal/apierrors"
	"github.com/plugin-registry/pluginindexer/internal/metrics"
	"github.com/plugin-registry/pluginindexer/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	xml_id     TEXT PRIMARY KEY,
	numeric_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS updates (
	update_id     INTEGER PRIMARY KEY,
	stale         INTEGER NOT NULL DEFAULT 1,
	etag          TEXT,
	file_name     TEXT,
	download_url  TEXT,
	hash_algo     TEXT,
	hash          BLOB
);

CREATE TABLE IF NOT EXISTS versions (
	plugin_xml_id TEXT NOT NULL REFERENCES plugins(xml_id) ON DELETE CASCADE,
	version       TEXT NOT NULL,
	channel       TEXT NOT NULL,
	update_id     INTEGER NOT NULL REFERENCES updates(update_id) ON DELETE CASCADE,
	PRIMARY KEY (plugin_xml_id, version)
);

CREATE TABLE IF NOT EXISTS update_dependencies (
	update_id         INTEGER NOT NULL REFERENCES updates(update_id) ON DELETE CASCADE,
	dependency_xml_id TEXT NOT NULL,
	optional          INTEGER NOT NULL,
	PRIMARY KEY (update_id, dependency_xml_id)
);

CREATE INDEX IF NOT EXISTS idx_versions_update_id ON versions(update_id);
`

// Store is the single-writer embedded relational store. The zero value
// is not usable; construct with Open.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *metrics.Registry

	// writeMu serializes every statement that mutates data. SQLite's own
	// file locking would serialize concurrent writers anyway; holding the
	// lock in-process avoids SQLITE_BUSY retries under modernc.org/sqlite
	// and keeps the CAS in MarkUpdateNotStale observably atomic relative
	// to other writers in this process.
	writeMu sync.Mutex
}

// Open creates the database file and parent directory if necessary,
// applies the pragmas the design requires, and bootstraps the schema in
// a single transaction if the tables are absent. Existing data is left
// untouched.
func Open(ctx context.Context, path string, logger *slog.Logger, metricsReg *metrics.Registry) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// The write-serialization discipline above only holds within this
	// process, so limit the pool to a single connection: modernc.org/sqlite
	// otherwise hands writers distinct connections that can still race at
	// the driver layer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &Store{db: db, logger: logger, metrics: metricsReg}

	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema transaction: %w", err)
	}

	s.logger.Debug("store schema ready")
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recordOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.StoreOpsTotal.WithLabelValues(op, result).Inc()
}

// KnownPluginXMLIDs returns the set of xml-ids currently persisted.
func (s *Store) KnownPluginXMLIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT xml_id FROM plugins`)
	if err != nil {
		s.recordOp("known_plugin_xml_ids", err)
		return nil, fmt.Errorf("store: query known plugin xml ids: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var xmlID string
		if err := rows.Scan(&xmlID); err != nil {
			s.recordOp("known_plugin_xml_ids", err)
			return nil, fmt.Errorf("store: scan plugin xml id: %w", err)
		}
		set[xmlID] = struct{}{}
	}
	err = rows.Err()
	s.recordOp("known_plugin_xml_ids", err)
	return set, err
}

// PluginStream is a lazy, not-restartable sequence of persisted plugins.
// Call Next until it returns false, then check Err.
type PluginStream struct {
	rows *sql.Rows
	cur  model.Plugin
	err  error
}

// Next advances the stream. It returns false at end-of-stream or on
// error; callers must check Err afterward.
func (p *PluginStream) Next() bool {
	if !p.rows.Next() {
		return false
	}
	p.err = p.rows.Scan(&p.cur.XMLID, &p.cur.NumericID)
	return p.err == nil
}

// Plugin returns the row most recently advanced to by Next.
func (p *PluginStream) Plugin() model.Plugin { return p.cur }

// Err returns any error encountered during iteration.
func (p *PluginStream) Err() error {
	if p.err != nil {
		return p.err
	}
	return p.rows.Err()
}

// Close releases the underlying cursor. Safe to call after exhaustion.
func (p *PluginStream) Close() error { return p.rows.Close() }

// StreamPlugins returns a lazy, finite, not-restartable sequence of
// persisted plugins.
func (s *Store) StreamPlugins(ctx context.Context) (*PluginStream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT xml_id, numeric_id FROM plugins`)
	if err != nil {
		s.recordOp("stream_plugins", err)
		return nil, fmt.Errorf("store: stream plugins: %w", err)
	}
	return &PluginStream{rows: rows}, nil
}

// DeletePluginByXMLID removes a plugin and, via ON DELETE CASCADE, its
// versions. Every update bound only to this plugin's versions is removed
// as well, cascading to its update-dependency rows; an update that a
// version of another plugin still references is kept.
func (s *Store) DeletePluginByXMLID(ctx context.Context, xmlID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx,
			`DELETE FROM updates
			 WHERE update_id IN (SELECT update_id FROM versions WHERE plugin_xml_id = ?)
			   AND update_id NOT IN (SELECT update_id FROM versions WHERE plugin_xml_id <> ?)`,
			xmlID, xmlID,
		)
	}
	if err == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM plugins WHERE xml_id = ?`, xmlID)
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		err = fmt.Errorf("store: delete plugin %s: %w", xmlID, err)
	}
	s.recordOp("delete_plugin_by_xml_id", err)
	return err
}

// AddPlugin inserts a plugin row. It is idempotent: an existing xml_id
// is left untouched.
func (s *Store) AddPlugin(ctx context.Context, p model.Plugin) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins (xml_id, numeric_id) VALUES (?, ?)
		 ON CONFLICT(xml_id) DO NOTHING`,
		p.XMLID, p.NumericID,
	)
	if err != nil {
		err = fmt.Errorf("store: add plugin %s: %w", p.XMLID, err)
	}
	s.recordOp("add_plugin", err)
	return err
}

// AddUpdate inserts an update row if one with the same update_id does
// not already exist. New rows start stale.
func (s *Store) AddUpdate(ctx context.Context, updateID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO updates (update_id, stale) VALUES (?, 1)
		 ON CONFLICT(update_id) DO NOTHING`,
		updateID,
	)
	if err != nil {
		err = fmt.Errorf("store: add update %d: %w", updateID, err)
	}
	s.recordOp("add_update", err)
	return err
}

// AddPluginVersion upserts a version row keyed on (plugin_xml_id,
// version), overwriting update_id and channel on conflict.
func (s *Store) AddPluginVersion(ctx context.Context, v model.Version) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO versions (plugin_xml_id, version, channel, update_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(plugin_xml_id, version) DO UPDATE SET
		   channel = excluded.channel,
		   update_id = excluded.update_id`,
		v.PluginXMLID, v.Version, v.Channel, v.UpdateID,
	)
	if err != nil {
		err = fmt.Errorf("store: add plugin version %s@%s: %w", v.PluginXMLID, v.Version, err)
	}
	s.recordOp("add_plugin_version", err)
	return err
}

// GetVersionsForPlugin returns the persisted versions of a plugin.
func (s *Store) GetVersionsForPlugin(ctx context.Context, xmlID string) ([]model.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plugin_xml_id, version, channel, update_id FROM versions WHERE plugin_xml_id = ?`,
		xmlID,
	)
	if err != nil {
		err = fmt.Errorf("store: get versions for plugin %s: %w", xmlID, err)
		s.recordOp("get_versions_for_plugin", err)
		return nil, err
	}
	defer rows.Close()

	var versions []model.Version
	for rows.Next() {
		var v model.Version
		if err := rows.Scan(&v.PluginXMLID, &v.Version, &v.Channel, &v.UpdateID); err != nil {
			err = fmt.Errorf("store: scan version row: %w", err)
			s.recordOp("get_versions_for_plugin", err)
			return nil, err
		}
		versions = append(versions, v)
	}
	err = rows.Err()
	s.recordOp("get_versions_for_plugin", err)
	return versions, err
}

// RemovePluginVersion deletes one version row.
func (s *Store) RemovePluginVersion(ctx context.Context, xmlID, version string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM versions WHERE plugin_xml_id = ? AND version = ?`,
		xmlID, version,
	)
	if err != nil {
		err = fmt.Errorf("store: remove version %s@%s: %w", xmlID, version, err)
	}
	s.recordOp("remove_plugin_version", err)
	return err
}

// AddUpdateDependency upserts a dependency edge keyed on (update_id,
// dependency_xml_id), overwriting optional on conflict.
func (s *Store) AddUpdateDependency(ctx context.Context, d model.UpdateDependency) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO update_dependencies (update_id, dependency_xml_id, optional)
		 VALUES (?, ?, ?)
		 ON CONFLICT(update_id, dependency_xml_id) DO UPDATE SET
		   optional = excluded.optional`,
		d.UpdateID, d.DependencyXMLID, d.Optional,
	)
	if err != nil {
		err = fmt.Errorf("store: add update dependency %d->%s: %w", d.UpdateID, d.DependencyXMLID, err)
	}
	s.recordOp("add_update_dependency", err)
	return err
}

// PruneUpdateDependenciesNotIn deletes dependency rows for updateID
// whose dependency_xml_id is not in keep. This is the opt-in behind
// --prune-dependencies; the default append-only behavior never calls it
// (see the design note on dependency pruning).
func (s *Store) PruneUpdateDependenciesNotIn(ctx context.Context, updateID int64, keep []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	placeholders := make([]string, len(keep))
	args := make([]any, 0, len(keep)+1)
	args = append(args, updateID)
	for i, xmlID := range keep {
		placeholders[i] = "?"
		args = append(args, xmlID)
	}

	query := `DELETE FROM update_dependencies WHERE update_id = ?`
	if len(placeholders) > 0 {
		query += ` AND dependency_xml_id NOT IN (` + strings.Join(placeholders, ",") + `)`
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("store: prune update dependencies for %d: %w", updateID, err)
	}
	s.recordOp("prune_update_dependencies", err)
	return err
}

// MarkAllUpdatesStale flips every update row to stale, one of the three
// concurrent operations of the reconciliation prologue.
func (s *Store) MarkAllUpdatesStale(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE updates SET stale = 1`)
	if err != nil {
		err = fmt.Errorf("store: mark all updates stale: %w", err)
	}
	s.recordOp("mark_all_updates_stale", err)
	return err
}

// MarkUpdateNotStale is the arbitration primitive: it clears the stale
// flag and reports true iff this call caused the transition, i.e. the
// row was previously stale. At most one caller observes true for a
// given update_id within a run, because the UPDATE ... WHERE stale = 1
// predicate only matches the row once across concurrent callers in this
// single-writer store.
func (s *Store) MarkUpdateNotStale(ctx context.Context, updateID int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE updates SET stale = 0 WHERE update_id = ? AND stale = 1`,
		updateID,
	)
	if err != nil {
		err = fmt.Errorf("store: mark update %d not stale: %w", updateID, err)
		s.recordOp("mark_update_not_stale", err)
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		err = fmt.Errorf("store: read rows affected for update %d: %w", updateID, err)
		s.recordOp("mark_update_not_stale", err)
		return false, err
	}

	s.recordOp("mark_update_not_stale", nil)
	return affected > 0, nil
}

// GetUpdate reads an update row in full.
func (s *Store) GetUpdate(ctx context.Context, updateID int64) (model.Update, error) {
	var u model.Update
	var staleInt int
	row := s.db.QueryRowContext(ctx,
		`SELECT update_id, stale, etag, file_name, download_url, hash_algo, hash
		 FROM updates WHERE update_id = ?`,
		updateID,
	)
	err := row.Scan(&u.UpdateID, &staleInt, &u.ETag, &u.FileName, &u.DownloadURL, &u.HashAlgo, &u.Hash)
	if err == sql.ErrNoRows {
		err = &apierrors.NotFoundError{Resource: "update", Key: fmt.Sprintf("%d", updateID)}
	} else if err != nil {
		err = fmt.Errorf("store: get update %d: %w", updateID, err)
	}
	u.Stale = staleInt != 0
	s.recordOp("get_update", err)
	return u, err
}

// ChangeUpdateInfo writes back every resolved field of an update row.
// The stale flag is not touched here; it was already cleared by the CAS
// in MarkUpdateNotStale before the caller became authorized to resolve.
func (s *Store) ChangeUpdateInfo(ctx context.Context, u model.Update) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE updates SET etag = ?, file_name = ?, download_url = ?, hash_algo = ?, hash = ?
		 WHERE update_id = ?`,
		u.ETag, u.FileName, u.DownloadURL, u.HashAlgo, u.Hash, u.UpdateID,
	)
	if err != nil {
		err = fmt.Errorf("store: change update info for %d: %w", u.UpdateID, err)
	}
	s.recordOp("change_update_info", err)
	return err
}
