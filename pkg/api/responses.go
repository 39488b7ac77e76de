package api

import "github.com/nicebuild/jarvis/pkg/models"

// TaskAdmissionResponse is returned for task submissions. When the
// issue already has a live task, Admitted is false and TaskID names
// that existing task.
type TaskAdmissionResponse struct {
	TaskID   string `json:"task_id"`
	IssueID  string `json:"issue_id"`
	State    string `json:"state"`
	Admitted bool   `json:"admitted"`
	Message  string `json:"message,omitempty"`
}

// BatchItemResponse reports one submission of a batch.
type BatchItemResponse struct {
	TaskAdmissionResponse
	Error string `json:"error,omitempty"`
}

// BatchCreateResponse aggregates a batch submission.
type BatchCreateResponse struct {
	Items []BatchItemResponse `json:"items"`
}

// AnalyzeStatusResponse combines the task snapshot with the verdict,
// which is present only once the task is terminal and a result exists.
type AnalyzeStatusResponse struct {
	Task   *models.Task           `json:"task"`
	Result *models.AnalysisResult `json:"result,omitempty"`
}

// StatusResponse is a generic outcome envelope.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
