package authority

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresRepoGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT version, content FROM authority_documents`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "content"}).AddRow(3, []byte(`{"a":1}`)))

	repo := NewPostgresRepo(db)
	snap, err := repo.Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("Expected version 3, got %d", snap.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPostgresRepoAppliedVersionMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT version FROM applied_mutations`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	repo := NewPostgresRepo(db)
	_, seen, err := repo.AppliedVersion(context.Background(), "e1")
	if err != nil {
		t.Fatalf("AppliedVersion failed: %v", err)
	}
	if seen {
		t.Error("Expected miss for unknown entry")
	}
}

func TestPostgresRepoCommitMutationStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	// version check fails: zero rows updated
	mock.ExpectExec(`UPDATE authority_documents`).
		WithArgs("doc-1", int64(5), []byte(`{"a":1}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	repo := NewPostgresRepo(db)
	err = repo.CommitMutation(context.Background(), "doc-1", "e1", 5, json.RawMessage(`{"a":1}`))
	if !errors.Is(err, errStaleCommit) {
		t.Fatalf("Expected stale commit sentinel, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPostgresRepoCommitMutationFirstVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO authority_documents`).
		WithArgs("doc-1", []byte(`{"a":1}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO applied_mutations`).
		WithArgs("e1", "doc-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewPostgresRepo(db)
	if err := repo.CommitMutation(context.Background(), "doc-1", "e1", 1, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("CommitMutation failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
