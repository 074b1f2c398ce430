// Package models provides data model definitions for the SiteSync core.
package models

// CommentStatus is the lifecycle state of a comment.
type CommentStatus string

const (
	CommentStatusOpen     CommentStatus = "open"
	CommentStatusResolved CommentStatus = "resolved"
)

// SuggestionStatus is the lifecycle state of a suggestion.
type SuggestionStatus string

const (
	SuggestionStatusPending  SuggestionStatus = "pending"
	SuggestionStatusAccepted SuggestionStatus = "accepted"
	SuggestionStatusRejected SuggestionStatus = "rejected"
)

// Comment is a position-anchored note on a specific document version. The
// anchor is only meaningful against AnchorVersion; when the document advances
// past it the comment is displayed against that original version rather than
// remapped.
type Comment struct {
	ID            UUID           `db:"id" json:"id"`
	DocumentID    string         `db:"document_id" json:"document_id"`
	AnchorVersion int64          `db:"anchor_version" json:"anchor_version"`
	Anchor        CursorPosition `db:"-" json:"anchor"`
	AnchorLine    int            `db:"anchor_line" json:"-"`
	AnchorColumn  int            `db:"anchor_column" json:"-"`
	Body          string         `db:"body" json:"body"`
	AuthorID      string         `db:"author_id" json:"author_id"`
	Status        CommentStatus  `db:"status" json:"status"`
	CreatedAt     int64          `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Comment.
func (Comment) TableName() string {
	return "comments"
}

// Suggestion proposes replacing OriginalText with SuggestedText inside one
// named content field, anchored to a specific document version. Accepting a
// suggestion mutates content through the ordinary local mutation path.
type Suggestion struct {
	ID            UUID             `db:"id" json:"id"`
	DocumentID    string           `db:"document_id" json:"document_id"`
	AnchorVersion int64            `db:"anchor_version" json:"anchor_version"`
	Field         string           `db:"field" json:"field"`
	OriginalText  string           `db:"original_text" json:"original_text"`
	SuggestedText string           `db:"suggested_text" json:"suggested_text"`
	AuthorID      string           `db:"author_id" json:"author_id"`
	Status        SuggestionStatus `db:"status" json:"status"`
	CreatedAt     int64            `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Suggestion.
func (Suggestion) TableName() string {
	return "suggestions"
}
