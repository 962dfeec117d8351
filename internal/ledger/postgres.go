package ledger

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/stabilization"
)

// ErrNotConfigured indicates the ledger pool was not initialised.
var ErrNotConfigured = errors.New("ledger: pool not configured")

//go:embed migrations/*.sql
var migrations embed.FS

const (
	// appendLockBase namespaces the per-pair transaction lock taken on append.
	appendLockBase int64 = 0x7065675f6c6467

	uniqueViolation = "23505"

	selectRecordSQL = `SELECT
        profile_id::text,
        pair_id,
        sequence,
        prev_hash,
        hash,
        created_at,
        status,
        reason,
        risk_score,
        action_results,
        encrypted_payload,
        signature,
        key_version,
        signer_id,
        appended_at
    FROM stabilization_ledger`

	selectHeadSQL = `SELECT sequence, hash
    FROM stabilization_ledger
    WHERE pair_id = $1
    ORDER BY sequence DESC
    LIMIT 1;`

	existsSQL = `SELECT EXISTS (SELECT 1 FROM stabilization_ledger WHERE profile_id = $1::uuid);`

	insertRecordSQL = `INSERT INTO stabilization_ledger (
        profile_id,
        pair_id,
        sequence,
        prev_hash,
        hash,
        created_at,
        status,
        reason,
        risk_score,
        action_results,
        encrypted_payload,
        signature,
        key_version,
        signer_id
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12,$13,$14
    )
    RETURNING appended_at;`

	xactLockSQL        = `SELECT pg_advisory_xact_lock($1);`
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes session advisory locks.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return pool, nil
}

// PostgresLedger is a durable Store backed by an append-only table.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger wires a pgx pool into a ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Close releases the underlying pool resources.
func (l *PostgresLedger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

func (l *PostgresLedger) getPool() (*pgxpool.Pool, error) {
	if l == nil || l.pool == nil {
		return nil, ErrNotConfigured
	}
	return l.pool, nil
}

// Migrate applies the embedded schema files in name order. Every file is
// idempotent.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	pool, err := l.getPool()
	if err != nil {
		return err
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// Append implements Store. Appends for the same pair are serialised with a
// transaction-scoped advisory lock so the chain never forks.
func (l *PostgresLedger) Append(ctx context.Context, p *audit.Profile) (Record, error) {
	if err := validate(p); err != nil {
		return Record{}, err
	}
	pool, err := l.getPool()
	if err != nil {
		return Record{}, err
	}

	stored := p.Clone()
	results, err := json.Marshal(stored.ActionResults)
	if err != nil {
		return Record{}, fmt.Errorf("encode action results: %w", err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, xactLockSQL, PairLockKey(appendLockBase, stored.PairID)); err != nil {
		return Record{}, fmt.Errorf("lock pair chain: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, existsSQL, stored.ID.String()).Scan(&exists); err != nil {
		return Record{}, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicate, stored.ID)
	}

	head := chainHead{hash: genesisHash}
	var lastSeq int64
	switch err := tx.QueryRow(ctx, selectHeadSQL, stored.PairID).Scan(&lastSeq, &head.hash); {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Record{}, fmt.Errorf("read chain head: %w", err)
	default:
		head.seq = uint64(lastSeq)
	}

	seq := head.seq + 1
	hash, err := chainHash(seq, head.hash, stored)
	if err != nil {
		return Record{}, err
	}

	var appendedAt time.Time
	err = tx.QueryRow(ctx, insertRecordSQL,
		stored.ID.String(),
		stored.PairID,
		int64(seq),
		head.hash,
		hash,
		stored.CreatedAt,
		string(stored.Status),
		stored.Reason,
		stored.RiskScore,
		string(results),
		stored.EncryptedPayload,
		stored.Signature,
		stored.KeyVersion,
		stored.SignerID,
	).Scan(&appendedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Record{}, fmt.Errorf("%w: %s", ErrDuplicate, stored.ID)
		}
		return Record{}, fmt.Errorf("insert profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commit append: %w", err)
	}

	return Record{
		Sequence:   seq,
		PrevHash:   head.hash,
		Hash:       hash,
		AppendedAt: appendedAt.UTC(),
		Profile:    stored,
	}, nil
}

// Get implements Store.
func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	pool, err := l.getPool()
	if err != nil {
		return Record{}, err
	}
	rows, err := pool.Query(ctx, selectRecordSQL+` WHERE profile_id = $1::uuid;`, id.String())
	if err != nil {
		return Record{}, fmt.Errorf("get profile: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return scanRecord(rows)
}

// Iterate implements Store.
func (l *PostgresLedger) Iterate(ctx context.Context, r Range, fn func(Record) error) error {
	pool, err := l.getPool()
	if err != nil {
		return err
	}
	query, args := buildIterateQuery(r)
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("iterate ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// TryAdvisoryLock attempts to acquire a session advisory lock and returns a
// release func.
func (l *PostgresLedger) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := l.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func buildIterateQuery(r Range) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if r.PairID != "" {
		add("pair_id = $%d", r.PairID)
	}
	if r.Status != "" {
		add("status = $%d", string(r.Status))
	}
	if !r.From.IsZero() {
		add("created_at >= $%d", r.From.UTC())
	}
	if !r.To.IsZero() {
		add("created_at < $%d", r.To.UTC())
	}

	var b strings.Builder
	b.WriteString(selectRecordSQL)
	if len(where) > 0 {
		b.WriteString("\n    WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\n    ORDER BY position")
	if r.Limit > 0 {
		args = append(args, r.Limit)
		fmt.Fprintf(&b, "\n    LIMIT $%d", len(args))
	}
	b.WriteString(";")
	return b.String(), args
}

func scanRecord(rows pgx.Rows) (Record, error) {
	var (
		idStr      string
		seq        int64
		status     string
		results    []byte
		appendedAt time.Time
		p          audit.Profile
		rec        Record
	)
	if err := rows.Scan(
		&idStr,
		&p.PairID,
		&seq,
		&rec.PrevHash,
		&rec.Hash,
		&p.CreatedAt,
		&status,
		&p.Reason,
		&p.RiskScore,
		&results,
		&p.EncryptedPayload,
		&p.Signature,
		&p.KeyVersion,
		&p.SignerID,
		&appendedAt,
	); err != nil {
		return Record{}, fmt.Errorf("scan ledger row: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse profile id: %w", err)
	}
	p.ID = id
	p.Status = audit.Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.ActionResults = []stabilization.ActionResult{}
	if err := json.Unmarshal(results, &p.ActionResults); err != nil {
		return Record{}, fmt.Errorf("decode action results: %w", err)
	}

	rec.Sequence = uint64(seq)
	rec.AppendedAt = appendedAt.UTC()
	rec.Profile = &p
	return rec, nil
}

var (
	_ Store          = (*PostgresLedger)(nil)
	_ AdvisoryLocker = (*PostgresLedger)(nil)
)
