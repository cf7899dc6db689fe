package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestService_AppendRequiresType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	err := svc.Append(context.Background(), Event{CallID: "c1"})
	require.ErrorIs(t, err, ErrInvalidEvent)
	require.ErrorIs(t, svc.LogCallTriggered(context.Background(), "u", "operator", "", "", "+15550001111"), ErrInvalidEvent)
	require.Empty(t, repo.Events())
}

func TestService_LogCallTriggered(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	svc.clock = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, svc.LogCallTriggered(context.Background(), "u", "operator", "1.2.3.4", "c1", "+15550001111"))

	evs := repo.Events()
	require.Len(t, evs, 1)
	require.Equal(t, EventTypeCallTriggered, evs[0].Type)
	require.Equal(t, "1.2.3.4", evs[0].IPAddress)
	require.Equal(t, "c1", evs[0].CallID)
	require.NotEmpty(t, evs[0].ID)
	require.Equal(t, 2025, evs[0].CreatedAt.Year())
}

func TestService_LogTokenIssued(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	require.NoError(t, svc.LogTokenIssued(context.Background(), "u", "viewer", "10.0.0.1"))
	require.Equal(t, EventTypeTokenIssued, repo.Events()[0].Type)
}

func TestPostgresRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("e1", "call_triggered", "u", "operator", "", "c1", "+15550001111", "m", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresRepo(db)
	err = repo.Append(context.Background(), Event{
		ID: "e1", Type: EventTypeCallTriggered, ActorUserID: "u", ActorRole: "operator",
		CallID: "c1", PhoneNumber: "+15550001111", Message: "m", CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_AppendWrapsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).WillReturnError(boom)

	err = NewPostgresRepo(db).Append(context.Background(), Event{ID: "e1", Type: EventTypeTokenIssued})
	require.ErrorIs(t, err, boom)
}
