package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/juju/errors"
	_ "github.com/lib/pq"

	"github.com/mkarlin/sagaflow/execlog"
	"github.com/mkarlin/sagaflow/types"
	"github.com/mkarlin/sagaflow/utils"
)

var (
	_ execlog.Log = &pgLog{}
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "sagaflow",
		SSLMode:  "disable",
	}
}

// pgLog implements the execution log on PostgreSQL
type pgLog struct {
	db *sql.DB
}

// NewPostgresLog creates a new PostgreSQL execution log with the given configuration
func NewPostgresLog(config *Config) (execlog.Log, error) {
	if config == nil {
		config = DefaultConfig()
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open postgres connection")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to ping postgres")
	}

	l := &pgLog{db: db}

	if err := l.initTables(context.Background()); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to initialize tables")
	}

	return l, nil
}

// NewPostgresLogWithDB creates a new PostgreSQL execution log with an existing database connection
func NewPostgresLogWithDB(db *sql.DB) (execlog.Log, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	l := &pgLog{db: db}

	if err := l.initTables(context.Background()); err != nil {
		return nil, errors.Annotatef(err, "failed to initialize tables")
	}

	return l, nil
}

func (p *pgLog) initTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS saga_transactions (
			transaction_id VARCHAR(255) PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			status INT NOT NULL,
			record BYTEA,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS saga_step_records (
			transaction_id VARCHAR(255) NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			action VARCHAR(16) NOT NULL,
			status INT NOT NULL,
			seq BIGINT NOT NULL DEFAULT 0,
			record BYTEA,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (transaction_id, step_id, action)
		);

		CREATE INDEX IF NOT EXISTS idx_saga_step_records_tx ON saga_step_records(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_saga_transactions_status ON saga_transactions(status);
	`

	_, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return errors.Annotatef(err, "failed to create tables")
	}

	return nil
}

/**
 * Append upserts inside a database transaction: the current status is
 * locked and checked first so a terminal record never transitions
 * twice, regardless of concurrent writers.
 */
func (p *pgLog) Append(ctx context.Context, rec *execlog.StepRecord) error {
	b, err := utils.Serialize(rec)
	if err != nil {
		return errors.Trace(err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotatef(err, "failed to begin append")
	}
	defer tx.Rollback()

	var current int32
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM saga_step_records
		 WHERE transaction_id = $1 AND step_id = $2 AND action = $3 FOR UPDATE`,
		rec.TransactionID, rec.StepID, string(rec.Action),
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return errors.Annotatef(err, "failed to read current status")
	}
	if err == nil && types.StepStatus(current).Terminal() {
		if types.StepStatus(current) == rec.Status {
			// duplicate delivery of the same terminal outcome
			return nil
		}
		return errors.AlreadyExistsf("terminal record %s %s %s", rec.TransactionID, rec.StepID, rec.Action)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO saga_step_records (transaction_id, step_id, action, status, seq, record, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		 ON CONFLICT (transaction_id, step_id, action)
		 DO UPDATE SET status = $4, seq = $5, record = $6, updated_at = CURRENT_TIMESTAMP`,
		rec.TransactionID, rec.StepID, string(rec.Action), int32(rec.Status), rec.Seq, b,
	)
	if err != nil {
		return errors.Annotatef(err, "failed to append step record")
	}

	return errors.Trace(tx.Commit())
}

func (p *pgLog) Load(ctx context.Context, transactionID string) ([]*execlog.StepRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT record FROM saga_step_records WHERE transaction_id = $1 ORDER BY seq, step_id`,
		transactionID,
	)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load step records")
	}
	defer rows.Close()

	records := make([]*execlog.StepRecord, 0)
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, errors.Annotatef(err, "failed to scan step record")
		}
		rec := &execlog.StepRecord{}
		if err := utils.Unserialize(b, rec); err != nil {
			return nil, errors.Annotatef(err, "failed to unserialize step record")
		}
		records = append(records, rec)
	}
	return records, errors.Trace(rows.Err())
}

func (p *pgLog) Find(ctx context.Context, transactionID, stepID string, action types.Action) (*execlog.StepRecord, error) {
	var b []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT record FROM saga_step_records
		 WHERE transaction_id = $1 AND step_id = $2 AND action = $3`,
		transactionID, stepID, string(action),
	).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("step record %s %s", transactionID, stepID)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "failed to find step record")
	}

	rec := &execlog.StepRecord{}
	if err := utils.Unserialize(b, rec); err != nil {
		return nil, errors.Annotatef(err, "failed to unserialize step record")
	}
	return rec, nil
}

func (p *pgLog) SaveTransaction(ctx context.Context, rec *execlog.TransactionRecord) error {
	b, err := utils.Serialize(rec)
	if err != nil {
		return errors.Trace(err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO saga_transactions (transaction_id, workflow_id, status, record, updated_at)
		 VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		 ON CONFLICT (transaction_id)
		 DO UPDATE SET status = $3, record = $4, updated_at = CURRENT_TIMESTAMP`,
		rec.TransactionID, rec.WorkflowID, int32(rec.Status), b,
	)
	return errors.Annotatef(err, "failed to save transaction")
}

func (p *pgLog) LoadTransaction(ctx context.Context, transactionID string) (*execlog.TransactionRecord, error) {
	var b []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT record FROM saga_transactions WHERE transaction_id = $1`,
		transactionID,
	).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("transaction %s", transactionID)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load transaction")
	}

	rec := &execlog.TransactionRecord{}
	if err := utils.Unserialize(b, rec); err != nil {
		return nil, errors.Annotatef(err, "failed to unserialize transaction")
	}
	return rec, nil
}

func (p *pgLog) ListPending(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT transaction_id FROM saga_transactions WHERE status < $1 ORDER BY updated_at`,
		int32(types.TxDone),
	)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to list pending transactions")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Annotatef(err, "failed to scan transaction id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Trace(rows.Err())
}

func (p *pgLog) Remove(ctx context.Context, transactionID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotatef(err, "failed to begin remove")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM saga_step_records WHERE transaction_id = $1`, transactionID); err != nil {
		return errors.Annotatef(err, "failed to remove step records")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM saga_transactions WHERE transaction_id = $1`, transactionID); err != nil {
		return errors.Annotatef(err, "failed to remove transaction")
	}

	return errors.Trace(tx.Commit())
}

// Close closes the database connection
func (p *pgLog) Close() error {
	return p.db.Close()
}
