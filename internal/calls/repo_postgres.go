package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schema creates the call tables idempotently. Apply with utils.ApplySchema at startup.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
  id               TEXT PRIMARY KEY,
  provider_call_id TEXT,
  phone_number     TEXT NOT NULL,
  otp_code         TEXT NOT NULL,
  language         TEXT NOT NULL DEFAULT 'en-US',
  transfer_number  TEXT,
  status           TEXT NOT NULL DEFAULT 'initiated',
  dtmf_input       TEXT,
  dtmf_attempts    INTEGER NOT NULL DEFAULT 0,
  verified         BOOLEAN NOT NULL DEFAULT FALSE,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  answered_at      TIMESTAMPTZ,
  dtmf_received_at TIMESTAMPTZ,
  verified_at      TIMESTAMPTZ,
  ended_at         TIMESTAMPTZ,
  duration         INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_provider_call_id ON calls (provider_call_id)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_phone_number ON calls (phone_number)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS transcripts (
  id         TEXT PRIMARY KEY,
  call_id    TEXT NOT NULL REFERENCES calls (id),
  text       TEXT NOT NULL,
  confidence DOUBLE PRECISION,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_transcripts_call_id ON transcripts (call_id, created_at)`,
}

const callColumns = `id, provider_call_id, phone_number, otp_code, language, transfer_number, status,
dtmf_input, dtmf_attempts, verified, created_at, answered_at, dtmf_received_at, verified_at, ended_at, duration`

// PostgresStore is the SQL-backed Store.

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c                                     Call
		providerID, transfer, dtmf            sql.NullString
		answered, dtmfAt, verifiedAt, endedAt sql.NullTime
		duration                              sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&providerID,
		&c.PhoneNumber,
		&c.OTPCode,
		&c.Language,
		&transfer,
		&c.Status,
		&dtmf,
		&c.DTMFAttempts,
		&c.Verified,
		&c.CreatedAt,
		&answered,
		&dtmfAt,
		&verifiedAt,
		&endedAt,
		&duration,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.ProviderCallID = providerID.String
	c.TransferNumber = transfer.String
	c.DTMFInput = dtmf.String
	c.AnsweredAt = nullTime(answered)
	c.DTMFReceivedAt = nullTime(dtmfAt)
	c.VerifiedAt = nullTime(verifiedAt)
	c.EndedAt = nullTime(endedAt)
	if duration.Valid {
		d := int(duration.Int64)
		c.Duration = &d
	}
	return c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (id, provider_call_id, phone_number, otp_code, language, transfer_number, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID,
		nullString(c.ProviderCallID),
		c.PhoneNumber,
		c.OTPCode,
		c.Language,
		nullString(c.TransferNumber),
		c.Status,
		c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) GetByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE provider_call_id = $1 LIMIT 1`
	return scanCall(s.db.QueryRowContext(ctx, q, providerCallID))
}

// Update applies p in a single UPDATE ... RETURNING statement.
func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (Call, error) {
	if p.IsEmpty() {
		return s.Get(ctx, id)
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.ProviderCallID != nil {
		set("provider_call_id", *p.ProviderCallID)
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.DTMFInput != nil {
		set("dtmf_input", *p.DTMFInput)
	}
	if p.DTMFAttempts != nil {
		set("dtmf_attempts", *p.DTMFAttempts)
	}
	if p.Verified != nil {
		set("verified", *p.Verified)
	}
	if p.AnsweredAt != nil {
		set("answered_at", *p.AnsweredAt)
	}
	if p.DTMFReceivedAt != nil {
		set("dtmf_received_at", *p.DTMFReceivedAt)
	}
	if p.VerifiedAt != nil {
		set("verified_at", *p.VerifiedAt)
	}
	if p.EndedAt != nil {
		set("ended_at", *p.EndedAt)
	}
	if p.Duration != nil {
		set("duration", *p.Duration)
	}
	args = append(args, id)

	q := fmt.Sprintf("UPDATE calls SET %s WHERE id = $%d RETURNING %s", strings.Join(sets, ", "), len(args), callColumns)
	return scanCall(s.db.QueryRowContext(ctx, q, args...))
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendTranscript(ctx context.Context, e TranscriptEntry) error {
	const q = `
INSERT INTO transcripts (id, call_id, text, confidence, created_at)
VALUES ($1,$2,$3,$4,$5)
`
	var conf sql.NullFloat64
	if e.Confidence != nil {
		conf = sql.NullFloat64{Float64: *e.Confidence, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, q, e.ID, e.CallID, e.Text, conf, e.Timestamp)
	return err
}

func (s *PostgresStore) Transcripts(ctx context.Context, callID string) ([]TranscriptEntry, error) {
	const q = `
SELECT id, call_id, text, confidence, created_at
FROM transcripts
WHERE call_id = $1
ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TranscriptEntry, 0)
	for rows.Next() {
		var (
			e    TranscriptEntry
			conf sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.CallID, &e.Text, &conf, &e.Timestamp); err != nil {
			return nil, err
		}
		if conf.Valid {
			v := conf.Float64
			e.Confidence = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
