package models

import "time"

// IssueListParams filters and paginates issue listings.
// Soft-deleted issues are hidden unless IncludeDeleted is set
// (direct lookups by record_id always succeed).
type IssueListParams struct {
	Page           int
	PageSize       int
	CreatedBy      string
	Platform       string
	Category       string
	Source         string
	StartDate      *time.Time
	EndDate        *time.Time
	IncludeDeleted bool
}

// TaskListParams filters and paginates task listings.
type TaskListParams struct {
	Page      int
	PageSize  int
	IssueID   string
	States    []TaskState
	StartDate *time.Time
	EndDate   *time.Time
}

// Page is a generic paginated result.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}
