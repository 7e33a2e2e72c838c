// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics while keeping a normalized copy of the ledger in SQL tables.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"medtrace/internal/infra/persistence/memory"
	"medtrace/internal/schema/sqlbundle"
	"medtrace/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// DefaultDSN is used when NewStore receives an empty DSN.
	DefaultDSN = "postgres://localhost/medtrace?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using dsn (DefaultDSN when empty).
// It applies the Postgres schema and hydrates the in-memory store from the
// normalized tables.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applyDDLStatements(ctx, db, sqlbundle.Postgres()); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadNormalized(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies fn within a transaction and rewrites the Postgres
// tables from the candidate state before it becomes visible.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	persistCtx := context.WithoutCancel(ctx)
	return s.Store.RunInTransactionWithCommit(ctx, fn, func(snapshot domain.Snapshot) error {
		return s.persist(persistCtx, snapshot)
	})
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyDDLStatements(ctx context.Context, db execer, ddl string) error {
	for _, stmt := range sqlbundle.SplitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) persist(ctx context.Context, snapshot domain.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := persistNormalized(ctx, tx, snapshot); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

const (
	truncateAll         = `TRUNCATE TABLE device_history, devices, certifications, regulatory_approvals, registry_meta`
	insertMeta          = `INSERT INTO registry_meta (id, owner, sequence) VALUES ($1, $2, $3)`
	insertDevice        = `INSERT INTO devices (id, owner, current_status) VALUES ($1, $2, $3)`
	insertHistory       = `INSERT INTO device_history (device_id, position, status, sequence_number) VALUES ($1, $2, $3, $4)`
	insertCertification = `INSERT INTO certifications (device_id, cert_type, issuer, sequence_number, valid) VALUES ($1, $2, $3, $4, $5)`
	insertApproval      = `INSERT INTO regulatory_approvals (authority, cert_type, approved) VALUES ($1, $2, $3)`
)

// persistNormalized rewrites every table from snapshot.
func persistNormalized(ctx context.Context, db execer, snapshot domain.Snapshot) error {
	if _, err := db.ExecContext(ctx, truncateAll); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if _, err := db.ExecContext(ctx, insertMeta, 1, string(snapshot.Owner), int64(snapshot.Sequence)); err != nil {
		return fmt.Errorf("insert registry_meta: %w", err)
	}
	for _, d := range snapshot.Devices {
		if _, err := db.ExecContext(ctx, insertDevice, int64(d.ID), string(d.Owner), string(d.Status)); err != nil {
			return fmt.Errorf("insert device %d: %w", d.ID, err)
		}
		for pos, entry := range d.History {
			if _, err := db.ExecContext(ctx, insertHistory, int64(d.ID), int64(pos), string(entry.Status), int64(entry.Sequence)); err != nil {
				return fmt.Errorf("insert history %d/%d: %w", d.ID, pos, err)
			}
		}
	}
	for _, c := range snapshot.Certifications {
		if _, err := db.ExecContext(ctx, insertCertification, int64(c.DeviceID), string(c.Type), string(c.Issuer), int64(c.Sequence), c.Valid); err != nil {
			return fmt.Errorf("insert certification %s: %w", c.Key(), err)
		}
	}
	for _, a := range snapshot.Approvals {
		if _, err := db.ExecContext(ctx, insertApproval, string(a.Authority), string(a.Type), a.Approved); err != nil {
			return fmt.Errorf("insert approval %s: %w", a.Key(), err)
		}
	}
	return nil
}

func loadNormalized(ctx context.Context, db *sql.DB) (domain.Snapshot, error) {
	var snapshot domain.Snapshot

	err := scanRows(ctx, db, `SELECT owner, sequence FROM registry_meta`, func(rows *sql.Rows) error {
		var owner string
		var seq int64
		if err := rows.Scan(&owner, &seq); err != nil {
			return err
		}
		snapshot.Owner = domain.Identity(owner)
		snapshot.Sequence = uint64(seq)
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	type historyRow struct {
		position int64
		entry    domain.HistoryEntry
	}
	histories := map[domain.DeviceID][]historyRow{}
	err = scanRows(ctx, db, `SELECT device_id, position, status, sequence_number FROM device_history`, func(rows *sql.Rows) error {
		var id, pos, seq int64
		var status string
		if err := rows.Scan(&id, &pos, &status, &seq); err != nil {
			return err
		}
		histories[domain.DeviceID(id)] = append(histories[domain.DeviceID(id)], historyRow{
			position: pos,
			entry:    domain.HistoryEntry{Status: domain.DeviceStatus(status), Sequence: uint64(seq)},
		})
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	err = scanRows(ctx, db, `SELECT id, owner, current_status FROM devices`, func(rows *sql.Rows) error {
		var id int64
		var owner, status string
		if err := rows.Scan(&id, &owner, &status); err != nil {
			return err
		}
		device := domain.Device{ID: domain.DeviceID(id), Owner: domain.Identity(owner), Status: domain.DeviceStatus(status)}
		entries := histories[device.ID]
		sort.Slice(entries, func(i, j int) bool { return entries[i].position < entries[j].position })
		device.History = make(domain.History, 0, len(entries))
		for _, e := range entries {
			device.History = append(device.History, e.entry)
		}
		snapshot.Devices = append(snapshot.Devices, device)
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	err = scanRows(ctx, db, `SELECT device_id, cert_type, issuer, sequence_number, valid FROM certifications`, func(rows *sql.Rows) error {
		var id, seq int64
		var certType, issuer string
		var valid bool
		if err := rows.Scan(&id, &certType, &issuer, &seq, &valid); err != nil {
			return err
		}
		snapshot.Certifications = append(snapshot.Certifications, domain.Certification{
			DeviceID: domain.DeviceID(id),
			Type:     domain.CertType(certType),
			Issuer:   domain.Identity(issuer),
			Sequence: uint64(seq),
			Valid:    valid,
		})
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	err = scanRows(ctx, db, `SELECT authority, cert_type, approved FROM regulatory_approvals`, func(rows *sql.Rows) error {
		var authority, certType string
		var approved bool
		if err := rows.Scan(&authority, &certType, &approved); err != nil {
			return err
		}
		snapshot.Approvals = append(snapshot.Approvals, domain.RegulatoryApproval{
			Authority: domain.Identity(authority),
			Type:      domain.CertType(certType),
			Approved:  approved,
		})
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	snapshot.Normalize()
	return snapshot, nil
}

func scanRows(ctx context.Context, db *sql.DB, query string, fn func(*sql.Rows) error) error {
	table := strings.Fields(query[strings.Index(query, " FROM ")+len(" FROM "):])[0]
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
