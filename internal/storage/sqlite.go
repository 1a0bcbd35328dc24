package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"blast/internal/model"
)

// ErrInvalidTransition is returned when a job status update would move a job
// backwards (e.g. completed -> active). Repeating the current status is a
// no-op, not an error.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// statusSources maps a target job status to the statuses it may be reached
// from. Terminal statuses are never valid sources.
var statusSources = map[string][]string{
	model.JobActive:    {model.JobQueued, model.JobDelayed},
	model.JobDelayed:   {model.JobQueued, model.JobActive},
	model.JobQueued:    {model.JobDelayed},
	model.JobCompleted: {model.JobActive},
	model.JobFailed:    {model.JobQueued, model.JobActive, model.JobDelayed},
	model.JobCancelled: {model.JobQueued},
}

type Store struct {
	DB *sql.DB
}

// Open opens/initializes the SQLite database with WAL and foreign keys, then
// migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			connected INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'idle',
			phone TEXT,
			reconnect_attempts INTEGER NOT NULL DEFAULT 0,
			last_seen TIMESTAMP,
			webhook_json TEXT,
			agent_json TEXT,
			qr_code TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS broadcast_jobs (
			id TEXT PRIMARY KEY,
			parent_job_id TEXT,
			connection_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			message TEXT,
			media_url TEXT,
			asset_id TEXT,
			speed TEXT NOT NULL DEFAULT 'normal',
			dedup_key TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			total INTEGER NOT NULL DEFAULT 0,
			sent INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			scheduled_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(connection_id) REFERENCES connections(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS broadcast_messages (
			job_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'waiting',
			provider_message_id TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (job_id, recipient),
			FOREIGN KEY(job_id) REFERENCES broadcast_jobs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS plans (
			owner_id TEXT PRIMARY KEY,
			messages_per_minute INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_connection ON broadcast_jobs(connection_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_parent ON broadcast_jobs(parent_job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON broadcast_jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_job ON broadcast_messages(job_id);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CreateConnection inserts a new connection record with a generated id and
// API key. It does not open a session.
func (s *Store) CreateConnection(name, ownerID string) (*model.Connection, error) {
	c := &model.Connection{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		APIKey:    uuid.NewString(),
		State:     model.StateIdle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := s.DB.Exec(`INSERT INTO connections (id,name,owner_id,api_key,connected,state,created_at,updated_at)
		VALUES (?,?,?,?,0,?,?,?)`,
		c.ID, c.Name, c.OwnerID, c.APIKey, c.State, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

const connCols = `id,name,owner_id,api_key,connected,state,COALESCE(phone,''),reconnect_attempts,last_seen,COALESCE(webhook_json,''),COALESCE(agent_json,''),COALESCE(qr_code,''),created_at,updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*model.Connection, error) {
	var (
		c           model.Connection
		connected   int
		lastSeen    sql.NullTime
		webhookJSON string
		agentJSON   string
	)
	err := row.Scan(&c.ID, &c.Name, &c.OwnerID, &c.APIKey, &connected, &c.State, &c.Phone,
		&c.ReconnectAttempts, &lastSeen, &webhookJSON, &agentJSON, &c.QRCode, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Connected = connected == 1
	if lastSeen.Valid {
		t := lastSeen.Time
		c.LastSeen = &t
	}
	if webhookJSON != "" {
		_ = json.Unmarshal([]byte(webhookJSON), &c.Webhook)
	}
	if agentJSON != "" {
		var a model.AgentConfig
		if json.Unmarshal([]byte(agentJSON), &a) == nil {
			c.Agent = &a
		}
	}
	return &c, nil
}

func (s *Store) GetConnection(id string) (*model.Connection, error) {
	c, err := scanConnection(s.DB.QueryRow(`SELECT `+connCols+` FROM connections WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) GetConnectionByAPIKey(key string) (*model.Connection, error) {
	c, err := scanConnection(s.DB.QueryRow(`SELECT `+connCols+` FROM connections WHERE api_key=?`, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) ListConnections() ([]model.Connection, error) {
	rows, err := s.DB.Query(`SELECT ` + connCols + ` FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateConnectionState records a lifecycle transition. Phone is only
// overwritten when non-empty.
func (s *Store) UpdateConnectionState(id, state string, connected bool, phone string, attempts int) error {
	_, err := s.DB.Exec(`UPDATE connections
		SET state=?, connected=?, phone=COALESCE(NULLIF(?, ''), phone), reconnect_attempts=?,
		    last_seen=CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE last_seen END,
		    updated_at=CURRENT_TIMESTAMP
		WHERE id=?`,
		state, btoi(connected), phone, attempts, btoi(connected), id)
	return err
}

// SetConnectionQR stores (or clears, with "") the pending pairing code PNG.
func (s *Store) SetConnectionQR(id, qrBase64 string) error {
	_, err := s.DB.Exec(`UPDATE connections SET qr_code=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, qrBase64, id)
	return err
}

// UpdateConnectionConfig replaces the webhook/agent configuration.
func (s *Store) UpdateConnectionConfig(id string, webhook model.WebhookConfig, agent *model.AgentConfig) error {
	wb, err := json.Marshal(webhook)
	if err != nil {
		return err
	}
	var ab any
	if agent != nil {
		b, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		ab = string(b)
	}
	res, err := s.DB.Exec(`UPDATE connections SET webhook_json=?, agent_json=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		string(wb), ab, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConnection(id string) error {
	_, err := s.DB.Exec(`DELETE FROM connections WHERE id=?`, id)
	return err
}

// CreateJob inserts the audit row for a queued job together with its waiting
// ledger rows, in one transaction.
func (s *Store) CreateJob(job *model.BroadcastJob, recipients []model.Recipient) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var scheduled any
	if job.ScheduledAt != nil {
		scheduled = *job.ScheduledAt
	}
	_, err = tx.Exec(`INSERT INTO broadcast_jobs
		(id,parent_job_id,connection_id,owner_id,type,message,media_url,asset_id,speed,dedup_key,status,total,scheduled_at,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		job.ID, nullIfEmpty(job.ParentJobID), job.ConnectionID, job.OwnerID, job.Type, job.Message,
		nullIfEmpty(job.Media.URL), nullIfEmpty(job.Media.AssetID), job.Speed, job.DedupKey,
		model.JobQueued, len(recipients), scheduled)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO broadcast_messages (job_id,recipient,status) VALUES (?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recipients {
		if _, err := stmt.Exec(job.ID, r.Phone, model.MsgWaiting); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const jobCols = `id,COALESCE(parent_job_id,''),connection_id,owner_id,type,COALESCE(message,''),COALESCE(media_url,''),COALESCE(asset_id,''),speed,COALESCE(dedup_key,''),status,COALESCE(error,''),total,sent,failed,skipped,scheduled_at,created_at,updated_at`

func scanJob(row interface{ Scan(...any) error }) (*model.BroadcastJob, error) {
	var (
		j         model.BroadcastJob
		scheduled sql.NullTime
	)
	err := row.Scan(&j.ID, &j.ParentJobID, &j.ConnectionID, &j.OwnerID, &j.Type, &j.Message,
		&j.Media.URL, &j.Media.AssetID, &j.Speed, &j.DedupKey, &j.Status, &j.Error,
		&j.Total, &j.Sent, &j.Failed, &j.Skipped, &scheduled, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if scheduled.Valid {
		t := scheduled.Time
		j.ScheduledAt = &t
	}
	return &j, nil
}

func (s *Store) GetJob(id string) (*model.BroadcastJob, error) {
	j, err := scanJob(s.DB.QueryRow(`SELECT `+jobCols+` FROM broadcast_jobs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJobs filters by connection id and/or status; empty filters match all.
// scheduledOnly narrows to jobs with a future schedule.
func (s *Store) ListJobs(connectionID, status string, scheduledOnly bool) ([]model.BroadcastJob, error) {
	q := `SELECT ` + jobCols + ` FROM broadcast_jobs WHERE 1=1`
	var args []any
	if connectionID != "" {
		q += ` AND connection_id=?`
		args = append(args, connectionID)
	}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	if scheduledOnly {
		q += ` AND scheduled_at IS NOT NULL AND scheduled_at > CURRENT_TIMESTAMP`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BroadcastJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListJobsByParent returns the batches of a split submission in batch order.
// The parent id of a multi-batch broadcast has no job row of its own.
func (s *Store) ListJobsByParent(parentID string) ([]model.BroadcastJob, error) {
	rows, err := s.DB.Query(`SELECT `+jobCols+` FROM broadcast_jobs WHERE parent_job_id=? ORDER BY rowid`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BroadcastJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// UpdateJobStatus applies a status transition. Transitions are monotonic:
// moving out of a terminal status is rejected and restating the current
// status is a silent no-op.
func (s *Store) UpdateJobStatus(id, status string) error {
	sources, ok := statusSources[status]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	placeholders := strings.Repeat("?,", len(sources))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{status}
	args = append(args, id)
	for _, src := range sources {
		args = append(args, src)
	}
	res, err := s.DB.Exec(`UPDATE broadcast_jobs SET status=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var current string
	if err := s.DB.QueryRow(`SELECT status FROM broadcast_jobs WHERE id=?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if current == status {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// FailJob marks a job failed with a top-level error, subject to the same
// transition rules.
func (s *Store) FailJob(id, errText string) error {
	if err := s.UpdateJobStatus(id, model.JobFailed); err != nil {
		return err
	}
	_, err := s.DB.Exec(`UPDATE broadcast_jobs SET error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, errText, id)
	return err
}

// UpdateJobCounts persists final per-job counters.
func (s *Store) UpdateJobCounts(id string, sent, failed, skipped int) error {
	_, err := s.DB.Exec(`UPDATE broadcast_jobs SET sent=?, failed=?, skipped=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		sent, failed, skipped, id)
	return err
}

// CancelJob cancels a job that has not started yet.
func (s *Store) CancelJob(id string) error {
	return s.UpdateJobStatus(id, model.JobCancelled)
}

// MarkMessage records a terminal per-recipient outcome. The waiting->terminal
// guard makes repeated delivery of the same job safe: rows already settled
// are left alone.
func (s *Store) MarkMessage(jobID, recipient, status, providerID, errText string) error {
	_, err := s.DB.Exec(`UPDATE broadcast_messages
		SET status=?, provider_message_id=?, error=?, updated_at=CURRENT_TIMESTAMP
		WHERE job_id=? AND recipient=? AND status=?`,
		status, nullIfEmpty(providerID), nullIfEmpty(errText), jobID, recipient, model.MsgWaiting)
	return err
}

// SkipRemaining settles every still-waiting ledger row of a job as skipped.
// Used when a job fails before all of its recipients were attempted, so the
// ledger does not report them as waiting forever.
func (s *Store) SkipRemaining(jobID, reason string) (int, error) {
	res, err := s.DB.Exec(`UPDATE broadcast_messages
		SET status=?, error=?, updated_at=CURRENT_TIMESTAMP
		WHERE job_id=? AND status=?`,
		model.MsgSkipped, nullIfEmpty(reason), jobID, model.MsgWaiting)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListMessages returns the ledger rows for a job in recipient order.
func (s *Store) ListMessages(jobID string) ([]model.MessageRecord, error) {
	rows, err := s.DB.Query(`SELECT job_id,recipient,status,COALESCE(provider_message_id,''),COALESCE(error,''),created_at,updated_at
		FROM broadcast_messages WHERE job_id=? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MessageRecord
	for rows.Next() {
		var m model.MessageRecord
		if err := rows.Scan(&m.JobID, &m.Recipient, &m.Status, &m.ProviderMessageID, &m.Error, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageStatuses returns recipient -> status for a job, used by the worker
// to skip already-settled rows on re-delivery.
func (s *Store) MessageStatuses(jobID string) (map[string]string, error) {
	rows, err := s.DB.Query(`SELECT recipient,status FROM broadcast_messages WHERE job_id=?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var r, st string
		if err := rows.Scan(&r, &st); err != nil {
			return nil, err
		}
		out[r] = st
	}
	return out, rows.Err()
}

// JobProgress aggregates ledger counts for a job.
func (s *Store) JobProgress(jobID string) (sent, failed, skipped, waiting int, err error) {
	row := s.DB.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN status='sent' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status='skipped' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status='waiting' THEN 1 ELSE 0 END),0)
		FROM broadcast_messages WHERE job_id=?`, jobID)
	err = row.Scan(&sent, &failed, &skipped, &waiting)
	return
}

// PlanRate returns the plan messages-per-minute ceiling for an owner, or 0
// when the owner has no plan row.
func (s *Store) PlanRate(ownerID string) (int, error) {
	var n int
	err := s.DB.QueryRow(`SELECT messages_per_minute FROM plans WHERE owner_id=?`, ownerID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// SetPlanRate upserts an owner's plan ceiling.
func (s *Store) SetPlanRate(ownerID string, messagesPerMinute int) error {
	_, err := s.DB.Exec(`INSERT INTO plans (owner_id, messages_per_minute, updated_at)
		VALUES (?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(owner_id) DO UPDATE SET messages_per_minute=excluded.messages_per_minute, updated_at=CURRENT_TIMESTAMP`,
		ownerID, messagesPerMinute)
	return err
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
