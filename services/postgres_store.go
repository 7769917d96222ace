package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/securecollab/mpstudy/ledger"
	"github.com/securecollab/mpstudy/protocol"
)

// querier is the query surface shared by *sql.DB and *sql.Tx, so every
// store method runs against the pool or inside a WithTx transaction
// unchanged.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects, configures the pool, and runs migrations.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db, q: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	// Audit details and timestamps are stored verbatim (BYTEA, the
	// RFC3339Nano string) rather than as JSONB/timestamptz: the entry
	// hash covers the exact bytes, and JSONB re-rendering or
	// microsecond truncation would break chain verification after a
	// round trip.
	schema := `
	CREATE TABLE IF NOT EXISTS studies (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		threshold_t INT NOT NULL,
		threshold_n INT NOT NULL,
		allowed_algorithms JSONB NOT NULL DEFAULT '[]',
		state VARCHAR(32) NOT NULL,
		combined_public_key BYTEA,
		public_key_fingerprint VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		study_id UUID NOT NULL REFERENCES studies(id),
		institution TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key_share BYTEA NOT NULL,
		joined_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (study_id, institution)
	);

	CREATE TABLE IF NOT EXISTS datasets (
		id UUID PRIMARY KEY,
		study_id UUID NOT NULL REFERENCES studies(id),
		owner TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		ciphertext BYTEA NOT NULL,
		commitment_hash VARCHAR(64) NOT NULL,
		committed_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		study_id UUID NOT NULL REFERENCES studies(id),
		requester TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		selected_columns JSONB NOT NULL DEFAULT '[]',
		params JSONB NOT NULL DEFAULT '{}',
		state VARCHAR(32) NOT NULL,
		rejected_by TEXT NOT NULL DEFAULT '',
		encrypted_result BYTEA,
		result_commitment VARCHAR(64) NOT NULL DEFAULT '',
		result BYTEA,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_approvals (
		job_id UUID NOT NULL REFERENCES jobs(id),
		institution TEXT NOT NULL,
		approved_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (job_id, institution)
	);

	CREATE TABLE IF NOT EXISTS job_shares (
		job_id UUID NOT NULL REFERENCES jobs(id),
		institution TEXT NOT NULL,
		share BYTEA NOT NULL,
		submitted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (job_id, institution)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		study_id UUID NOT NULL,
		sequence BIGINT NOT NULL,
		action_type VARCHAR(64) NOT NULL,
		actor TEXT NOT NULL,
		details BYTEA NOT NULL,
		ts TEXT NOT NULL,
		previous_hash VARCHAR(64) NOT NULL,
		entry_hash VARCHAR(64) NOT NULL,
		PRIMARY KEY (study_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_datasets_study ON datasets(study_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_study ON jobs(study_id);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx runs fn in a single database transaction. The callback's store
// view routes every query through the transaction, so a state
// transition and its audit append commit together; any error rolls
// both back.
func (s *PostgresStore) WithTx(fn func(tx Store) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) CreateStudy(study *protocol.Study) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	algorithms, err := json.Marshal(study.Config.AllowedAlgorithms())
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO studies
			(id, name, description, created_by, threshold_t, threshold_n,
			 allowed_algorithms, state, combined_public_key, public_key_fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		study.ID, study.Name, study.Description, study.CreatedBy,
		study.Config.ThresholdT(), study.Config.ThresholdN(),
		algorithms, string(study.State), study.CombinedPublicKey,
		study.PublicKeyFingerprint, study.CreatedAt,
	)
	return err
}

func (s *PostgresStore) scanStudy(row interface{ Scan(...any) error }) (*protocol.Study, error) {
	var (
		study          protocol.Study
		thresholdT     int
		thresholdN     int
		algorithmsJSON []byte
		state          string
	)
	err := row.Scan(&study.ID, &study.Name, &study.Description, &study.CreatedBy,
		&thresholdT, &thresholdN, &algorithmsJSON, &state,
		&study.CombinedPublicKey, &study.PublicKeyFingerprint, &study.CreatedAt)
	if err != nil {
		return nil, err
	}

	var algorithms []string
	if err := json.Unmarshal(algorithmsJSON, &algorithms); err != nil {
		return nil, fmt.Errorf("decoding allowed algorithms: %w", err)
	}
	cfg, err := protocol.NewStudyConfig(thresholdT, thresholdN, algorithms)
	if err != nil {
		return nil, fmt.Errorf("stored study config invalid: %w", err)
	}
	study.Config = cfg
	study.State = protocol.StudyState(state)
	return &study, nil
}

const studyColumns = `id, name, description, created_by, threshold_t, threshold_n,
	allowed_algorithms, state, combined_public_key, public_key_fingerprint, created_at`

func (s *PostgresStore) Study(id string) (*protocol.Study, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	study, err := s.scanStudy(s.q.QueryRowContext(ctx,
		`SELECT `+studyColumns+` FROM studies WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NotFound("study", id)
	}
	return study, err
}

func (s *PostgresStore) Studies() ([]*protocol.Study, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+studyColumns+` FROM studies ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var studies []*protocol.Study
	for rows.Next() {
		study, err := s.scanStudy(rows)
		if err != nil {
			return nil, err
		}
		studies = append(studies, study)
	}
	return studies, rows.Err()
}

func (s *PostgresStore) UpdateStudy(study *protocol.Study) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.q.ExecContext(ctx, `
		UPDATE studies SET state = $2, combined_public_key = $3, public_key_fingerprint = $4
		WHERE id = $1`,
		study.ID, string(study.State), study.CombinedPublicKey, study.PublicKeyFingerprint)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return protocol.NotFound("study", study.ID)
	}
	return err
}

func (s *PostgresStore) AddParticipant(p *protocol.Participant) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO participants (study_id, institution, name, key_share, joined_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.StudyID, p.Institution, p.Name, p.KeyShare, p.JoinedAt)
	return err
}

func (s *PostgresStore) Participants(studyID string) ([]*protocol.Participant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := s.q.QueryContext(ctx, `
		SELECT study_id, institution, name, key_share, joined_at
		FROM participants WHERE study_id = $1 ORDER BY joined_at`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []*protocol.Participant
	for rows.Next() {
		var p protocol.Participant
		if err := rows.Scan(&p.StudyID, &p.Institution, &p.Name, &p.KeyShare, &p.JoinedAt); err != nil {
			return nil, err
		}
		roster = append(roster, &p)
	}
	return roster, rows.Err()
}

func (s *PostgresStore) AddDataset(d *protocol.Dataset) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO datasets (id, study_id, owner, name, ciphertext, commitment_hash, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.StudyID, d.Owner, d.Name, d.Ciphertext, d.CommitmentHash, d.CommittedAt)
	return err
}

func (s *PostgresStore) Datasets(studyID string) ([]*protocol.Dataset, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, study_id, owner, name, ciphertext, commitment_hash, committed_at
		FROM datasets WHERE study_id = $1 ORDER BY committed_at`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var datasets []*protocol.Dataset
	for rows.Next() {
		var d protocol.Dataset
		if err := rows.Scan(&d.ID, &d.StudyID, &d.Owner, &d.Name, &d.Ciphertext, &d.CommitmentHash, &d.CommittedAt); err != nil {
			return nil, err
		}
		datasets = append(datasets, &d)
	}
	return datasets, rows.Err()
}

func (s *PostgresStore) CreateJob(j *protocol.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	columns, err := json.Marshal(j.SelectedColumns)
	if err != nil {
		return err
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO jobs
			(id, study_id, requester, algorithm, selected_columns, params, state,
			 rejected_by, encrypted_result, result_commitment, result, failure_reason,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.StudyID, j.Requester, j.Algorithm, columns, params, string(j.State),
		j.RejectedBy, j.EncryptedResult, j.ResultCommitment, j.Result, j.FailureReason,
		j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *PostgresStore) Job(id string) (*protocol.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := s.scanJob(ctx, s.q.QueryRowContext(ctx, `
		SELECT id, study_id, requester, algorithm, selected_columns, params, state,
		       rejected_by, encrypted_result, result_commitment, result, failure_reason,
		       created_at, updated_at
		FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NotFound("job", id)
	}
	return job, err
}

func (s *PostgresStore) scanJob(ctx context.Context, row interface{ Scan(...any) error }) (*protocol.Job, error) {
	var (
		j           protocol.Job
		columnsJSON []byte
		paramsJSON  []byte
		state       string
	)
	err := row.Scan(&j.ID, &j.StudyID, &j.Requester, &j.Algorithm, &columnsJSON, &paramsJSON,
		&state, &j.RejectedBy, &j.EncryptedResult, &j.ResultCommitment, &j.Result,
		&j.FailureReason, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(columnsJSON, &j.SelectedColumns); err != nil {
		return nil, fmt.Errorf("decoding selected columns: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &j.Params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	j.State = protocol.JobState(state)

	j.Approvals = make(map[string]time.Time)
	approvals, err := s.q.QueryContext(ctx,
		`SELECT institution, approved_at FROM job_approvals WHERE job_id = $1`, j.ID)
	if err != nil {
		return nil, err
	}
	defer approvals.Close()
	for approvals.Next() {
		var inst string
		var at time.Time
		if err := approvals.Scan(&inst, &at); err != nil {
			return nil, err
		}
		j.Approvals[inst] = at
	}
	if err := approvals.Err(); err != nil {
		return nil, err
	}

	j.Shares = make(map[string][]byte)
	shares, err := s.q.QueryContext(ctx,
		`SELECT institution, share FROM job_shares WHERE job_id = $1`, j.ID)
	if err != nil {
		return nil, err
	}
	defer shares.Close()
	for shares.Next() {
		var inst string
		var share []byte
		if err := shares.Scan(&inst, &share); err != nil {
			return nil, err
		}
		j.Shares[inst] = share
	}
	return &j, shares.Err()
}

func (s *PostgresStore) Jobs(studyID string) ([]*protocol.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.q.QueryContext(ctx,
		`SELECT id FROM jobs WHERE study_id = $1 ORDER BY created_at`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*protocol.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Job(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateJob writes the job row and upserts approvals and shares. The
// statements run on the store's querier; the orchestrator calls it
// inside WithTx so they commit as one unit with the audit append.
func (s *PostgresStore) UpdateJob(j *protocol.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.q.ExecContext(ctx, `
		UPDATE jobs SET state = $2, rejected_by = $3, encrypted_result = $4,
			result_commitment = $5, result = $6, failure_reason = $7, updated_at = $8
		WHERE id = $1`,
		j.ID, string(j.State), j.RejectedBy, j.EncryptedResult,
		j.ResultCommitment, j.Result, j.FailureReason, j.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return protocol.NotFound("job", j.ID)
	}

	for inst, at := range j.Approvals {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO job_approvals (job_id, institution, approved_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, j.ID, inst, at); err != nil {
			return err
		}
	}
	for inst, share := range j.Shares {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO job_shares (job_id, institution, share)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, j.ID, inst, share); err != nil {
			return err
		}
	}

	return nil
}

// AppendEntry inserts an audit entry. The (study_id, sequence) primary
// key enforces the ordered-append guarantee: a stale append collides
// with the existing tail and is rejected instead of forking the chain.
// Details and the timestamp are stored exactly as hashed.
func (s *PostgresStore) AppendEntry(e *ledger.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_log (study_id, sequence, action_type, actor, details, ts, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.StudyID, e.Sequence, e.ActionType, e.Actor, []byte(e.Details),
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.PreviousHash, e.EntryHash)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return fmt.Errorf("stale audit append for study %s at sequence %d", e.StudyID, e.Sequence)
	}
	return err
}

func (s *PostgresStore) LastEntry(studyID string) (*ledger.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, err := scanEntry(s.q.QueryRowContext(ctx, `
		SELECT study_id, sequence, action_type, actor, details, ts, previous_hash, entry_hash
		FROM audit_log WHERE study_id = $1 ORDER BY sequence DESC LIMIT 1`, studyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) Entries(studyID string) ([]*ledger.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.q.QueryContext(ctx, `
		SELECT study_id, sequence, action_type, actor, details, ts, previous_hash, entry_hash
		FROM audit_log WHERE study_id = $1 ORDER BY sequence`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row interface{ Scan(...any) error }) (*ledger.Entry, error) {
	var (
		e       ledger.Entry
		details []byte
		ts      string
	)
	err := row.Scan(&e.StudyID, &e.Sequence, &e.ActionType, &e.Actor, &details,
		&ts, &e.PreviousHash, &e.EntryHash)
	if err != nil {
		return nil, err
	}
	e.Details = details
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("decoding audit timestamp: %w", err)
	}
	return &e, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
