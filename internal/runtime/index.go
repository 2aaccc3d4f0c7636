package runtime

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by digest finds no record.
var ErrNotFound = errors.New("runtime: not found")

//go:embed migrations/*.sql
var migrationFS embed.FS

// Index is the result-record store: a SQLite-backed mapping from
// result digest (and request digest) to the persisted Request/Result
// pair, written by EngineContext.Execute and read by operators
// inspecting past runs. Replay does not consult it.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if absent) a SQLite database at path and
// applies any pending migrations.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	idx := &Index{db: db}
	if err := idx.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) migrate(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		v := e.Name()
		var exists string
		err := idx.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", v).Scan(&exists)
		if err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return err
		}
		body, err := migrationFS.ReadFile("migrations/" + v)
		if err != nil {
			return err
		}
		if _, err := idx.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("runtime: migration %s: %w", v, err)
		}
		if _, err := idx.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", v); err != nil {
			return err
		}
	}
	return nil
}

// Put persists req/result keyed by result digest, idempotently: a
// second Put for the same result digest (the common case — retrying
// the same deterministic request) is a harmless no-op overwrite.
func (idx *Index) Put(req Request, result Result) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("runtime: marshal request record: %w", err)
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("runtime: marshal result record: %w", err)
	}
	_, err = idx.db.Exec(
		`INSERT INTO results(result_digest, request_digest, tenant_id, request_id, ok, exit_code,
			confidence_level, confidence_score, error_code, result_json, request_json, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(result_digest) DO UPDATE SET
			request_digest=excluded.request_digest,
			tenant_id=excluded.tenant_id,
			request_id=excluded.request_id,
			ok=excluded.ok,
			exit_code=excluded.exit_code,
			confidence_level=excluded.confidence_level,
			confidence_score=excluded.confidence_score,
			error_code=excluded.error_code,
			result_json=excluded.result_json,
			request_json=excluded.request_json`,
		result.ResultDigest.String(), result.RequestDigest.String(), req.TenantID, req.RequestID,
		boolToInt(result.OK), result.ExitCode,
		string(result.DeterminismConfidence.Level), result.DeterminismConfidence.Score,
		result.ErrorCode, string(resJSON), string(reqJSON),
		result.EndTimestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Record is a persisted (request, result) pair retrieved from the
// index.
type Record struct {
	Request Request
	Result  Result
}

// GetByResultDigest looks up a persisted record by result digest.
func (idx *Index) GetByResultDigest(d string) (Record, error) {
	return idx.get("result_digest", d)
}

// GetByRequestDigest looks up the most recently persisted record for a
// request digest (multiple results can share a request digest only if
// the engine is non-deterministic for that request, which the
// confidence label would already flag).
func (idx *Index) GetByRequestDigest(d string) (Record, error) {
	return idx.get("request_digest", d)
}

func (idx *Index) get(column, value string) (Record, error) {
	row := idx.db.QueryRow(fmt.Sprintf("SELECT request_json, result_json FROM results WHERE %s=? ORDER BY created_at DESC LIMIT 1", column), value)
	var reqJSON, resJSON string
	if err := row.Scan(&reqJSON, &resJSON); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(reqJSON), &rec.Request); err != nil {
		return Record{}, fmt.Errorf("runtime: decode stored request: %w", err)
	}
	if err := json.Unmarshal([]byte(resJSON), &rec.Result); err != nil {
		return Record{}, fmt.Errorf("runtime: decode stored result: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
