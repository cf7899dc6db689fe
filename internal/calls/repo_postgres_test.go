package calls

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var callColumnNames = []string{
	"id", "provider_call_id", "phone_number", "otp_code", "language", "transfer_number", "status",
	"dtmf_input", "dtmf_attempts", "verified", "created_at", "answered_at", "dtmf_received_at", "verified_at", "ended_at", "duration",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO calls").
		WithArgs("c1", sql.NullString{}, "+15551234567", "1234", "en-US", sql.NullString{}, StatusInitiated, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), Call{ID: "c1", PhoneNumber: "+15551234567", OTPCode: "1234", Language: "en-US", Status: StatusInitiated, CreatedAt: now})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMapsNullsAndNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(callColumnNames).
		AddRow("c1", "v-1", "+15551234567", "1234", "en-US", nil, "completed", "1234", 2, true, now, now, now, now, now, 42)
	mock.ExpectQuery("SELECT (.+) FROM calls WHERE id = \\$1").WithArgs("c1").WillReturnRows(rows)

	c, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "v-1", c.ProviderCallID)
	assert.Equal(t, "", c.TransferNumber)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, 2, c.DTMFAttempts)
	assert.True(t, c.Verified)
	require.NotNil(t, c.Duration)
	assert.Equal(t, 42, *c.Duration)
	require.NotNil(t, c.EndedAt)

	mock.ExpectQuery("SELECT (.+) FROM calls WHERE provider_call_id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(callColumnNames))
	_, err = store.GetByProviderID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateBuildsPartialSet(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(callColumnNames).
		AddRow("c1", "v-1", "+15551234567", "1234", "en-US", nil, "completed", nil, 0, false, now, nil, nil, nil, now, 30)
	mock.ExpectQuery(`UPDATE calls SET status = \$1, ended_at = \$2, duration = \$3 WHERE id = \$4 RETURNING`).
		WithArgs("completed", now, 30, "c1").
		WillReturnRows(rows)

	c, err := store.Update(context.Background(), "c1", Patch{Status: ptr(StatusCompleted), EndedAt: ptr(now), Duration: ptr(30)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Nil(t, c.AnsweredAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateUnknownID(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE calls SET").WillReturnRows(sqlmock.NewRows(callColumnNames))

	_, err := store.Update(context.Background(), "nope", Patch{Verified: ptr(true)})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListNewestFirst(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(callColumnNames).
		AddRow("c2", nil, "+1", "1", "en-US", nil, "initiated", nil, 0, false, now, nil, nil, nil, nil, nil).
		AddRow("c1", nil, "+1", "1", "en-US", nil, "failed", nil, 0, false, now.Add(-time.Minute), nil, nil, nil, now, nil)
	mock.ExpectQuery("SELECT (.+) FROM calls ORDER BY created_at DESC LIMIT \\$1").WithArgs(100).WillReturnRows(rows)

	out, err := store.List(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c2", out[0].ID)
	assert.Nil(t, out[0].Duration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transcripts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	conf := 0.8

	mock.ExpectExec("INSERT INTO transcripts").
		WithArgs("t1", "c1", "hello", sql.NullFloat64{Float64: conf, Valid: true}, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.AppendTranscript(context.Background(), TranscriptEntry{ID: "t1", CallID: "c1", Text: "hello", Confidence: &conf, Timestamp: now}))

	mock.ExpectQuery("SELECT id, call_id, text, confidence, created_at FROM transcripts").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "call_id", "text", "confidence", "created_at"}).
			AddRow("t1", "c1", "hello", 0.8, now).
			AddRow("t2", "c1", "bye", nil, now))
	out, err := store.Transcripts(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 0.8, *out[0].Confidence)
	assert.Nil(t, out[1].Confidence)
	require.NoError(t, mock.ExpectationsWereMet())
}
