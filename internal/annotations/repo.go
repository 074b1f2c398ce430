package annotations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldops/sitesync/internal/dbx"
	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/models"
)

// Row-level helpers for the overlay tables.

func insertComment(ctx context.Context, q dbx.DBTX, c *models.Comment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, anchor_version, anchor_line, anchor_column, body, author_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocumentID, c.AnchorVersion, c.AnchorLine, c.AnchorColumn, c.Body, c.AuthorID, c.Status, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

func getComment(ctx context.Context, q dbx.DBTX, id string) (*models.Comment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, document_id, anchor_version, anchor_line, anchor_column, body, author_id, status, created_at
		FROM comments WHERE id = ?`, id)

	var c models.Comment
	err := row.Scan(&c.ID, &c.DocumentID, &c.AnchorVersion, &c.AnchorLine, &c.AnchorColumn,
		&c.Body, &c.AuthorID, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("comment %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan comment: %w", err)
	}
	c.Anchor = models.CursorPosition{Line: c.AnchorLine, Column: c.AnchorColumn}
	return &c, nil
}

func listComments(ctx context.Context, q dbx.DBTX, docID string) ([]models.Comment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, document_id, anchor_version, anchor_line, anchor_column, body, author_id, status, created_at
		FROM comments WHERE document_id = ? ORDER BY created_at ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var result []models.Comment
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.AnchorVersion, &c.AnchorLine, &c.AnchorColumn,
			&c.Body, &c.AuthorID, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Anchor = models.CursorPosition{Line: c.AnchorLine, Column: c.AnchorColumn}
		result = append(result, c)
	}
	return result, rows.Err()
}

func setCommentStatus(ctx context.Context, q dbx.DBTX, id string, status models.CommentStatus) error {
	_, err := q.ExecContext(ctx, `UPDATE comments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update comment: %w", err)
	}
	return nil
}

func setSuggestionStatus(ctx context.Context, q dbx.DBTX, id string, status models.SuggestionStatus) error {
	_, err := q.ExecContext(ctx, `UPDATE suggestions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update suggestion: %w", err)
	}
	return nil
}

func insertSuggestion(ctx context.Context, q dbx.DBTX, s *models.Suggestion) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO suggestions (id, document_id, anchor_version, field, original_text, suggested_text, author_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.DocumentID, s.AnchorVersion, s.Field, s.OriginalText, s.SuggestedText, s.AuthorID, s.Status, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert suggestion: %w", err)
	}
	return nil
}

func getSuggestion(ctx context.Context, q dbx.DBTX, id string) (*models.Suggestion, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, document_id, anchor_version, field, original_text, suggested_text, author_id, status, created_at
		FROM suggestions WHERE id = ?`, id)

	var s models.Suggestion
	err := row.Scan(&s.ID, &s.DocumentID, &s.AnchorVersion, &s.Field, &s.OriginalText,
		&s.SuggestedText, &s.AuthorID, &s.Status, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("suggestion %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan suggestion: %w", err)
	}
	return &s, nil
}

func listSuggestions(ctx context.Context, q dbx.DBTX, docID string) ([]models.Suggestion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, document_id, anchor_version, field, original_text, suggested_text, author_id, status, created_at
		FROM suggestions WHERE document_id = ? ORDER BY created_at ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	var result []models.Suggestion
	for rows.Next() {
		var s models.Suggestion
		if err := rows.Scan(&s.ID, &s.DocumentID, &s.AnchorVersion, &s.Field, &s.OriginalText,
			&s.SuggestedText, &s.AuthorID, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
