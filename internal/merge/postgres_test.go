package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/austindbirch/harbor_ingest/internal/event"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func ev(id, typ, body string) event.Event {
	e := event.Event{ID: id, Type: typ}
	if body != "" {
		e.Body = json.RawMessage(body)
	}
	return e
}

func TestMerge_UpsertsFoldedPayload(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewPostgresMerger(db)

	events := []event.Event{
		ev("e1", "trace-create", `{"name":"first","input":"x"}`),
		ev("e2", "trace-create", ``),
		ev("e3", "trace-create", `{"name":"second","output":"y"}`),
	}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("p1/trace/b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ingestion.entities").
		WithArgs("p1", "trace", "b1", `{"input":"x","name":"second","output":"y"}`, 3, "trace-create").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.Merge(context.Background(), "trace", "p1", "b1", events); err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
}

func TestMerge_EmptyBatchIsNoop(t *testing.T) {
	db, _ := newMockDB(t)
	m := NewPostgresMerger(db)

	if err := m.Merge(context.Background(), "trace", "p1", "b1", nil); err != nil {
		t.Fatalf("Merge(nil) error: %v", err)
	}
}

func TestMerge_RollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mock sqlmock.Sqlmock)
	}{
		{
			name: "lock fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("SELECT pg_advisory_xact_lock").
					WillReturnError(errors.New("lock timeout"))
				mock.ExpectRollback()
			},
		},
		{
			name: "upsert fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("SELECT pg_advisory_xact_lock").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO ingestion.entities").
					WillReturnError(errors.New("constraint violation"))
				mock.ExpectRollback()
			},
		},
		{
			name: "commit fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("SELECT pg_advisory_xact_lock").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO ingestion.entities").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit().WillReturnError(errors.New("connection reset"))
			},
		},
		{
			name: "begin fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.setup(mock)

			err := NewPostgresMerger(db).Merge(context.Background(), "score", "p1", "b1",
				[]event.Event{ev("s1", "score-create", `{"value":1}`)})
			if err == nil {
				t.Fatal("Merge() expected error")
			}
		})
	}
}

func TestFoldBodies(t *testing.T) {
	tests := []struct {
		name    string
		events  []event.Event
		want    string
		wantErr bool
	}{
		{
			name:   "no bodies",
			events: []event.Event{ev("a", "sdk-log", "")},
			want:   `{}`,
		},
		{
			name: "later keys win",
			events: []event.Event{
				ev("a", "span-create", `{"status":"started","level":"DEFAULT"}`),
				ev("b", "span-update", `{"status":"done"}`),
			},
			want: `{"level":"DEFAULT","status":"done"}`,
		},
		{
			name: "nested values replaced whole",
			events: []event.Event{
				ev("a", "generation-create", `{"usage":{"input":1,"output":2}}`),
				ev("b", "generation-update", `{"usage":{"output":5}}`),
			},
			want: `{"usage":{"output":5}}`,
		},
		{
			name:    "non-object body",
			events:  []event.Event{ev("a", "trace-create", `[1,2]`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := foldBodies(tt.events)
			if (err != nil) != tt.wantErr {
				t.Fatalf("foldBodies() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("foldBodies() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLockKey(t *testing.T) {
	if got := lockKey("p1", "observation", "b9"); got != "p1/observation/b9" {
		t.Errorf("lockKey() = %q", got)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected up and down migrations, got %d files", len(entries))
	}
}
