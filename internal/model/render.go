package model

import "time"

// RenderTask is the persisted record of one render dispatch
type RenderTask struct {
	TaskID      string        `json:"task_id"`
	TargetType  TargetType    `json:"target_type"`
	TargetID    string        `json:"target_id"`
	CourseID    string        `json:"course_id"`
	Status      RenderStatus  `json:"status"`
	Inputs      []RenderInput `json:"inputs,omitempty"`
	Result      *RenderResult `json:"result,omitempty"`
	Error       *TaskError    `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// RenderInput is one scene clip captured for a module assembly, at dispatch time.
type RenderInput struct {
	SceneID     string `json:"scene_id"`
	SceneNumber int    `json:"scene_number"`
	Path        string `json:"path"`
}

// RenderResult is written by a worker on success
type RenderResult struct {
	OutputPath string  `json:"output_path"`
	PublicURL  string  `json:"public_url,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	SceneCount int     `json:"scene_count,omitempty"`
}

// TaskError is written by a worker on failure
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RenderHandle is returned by the dispatcher
type RenderHandle struct {
	TaskID       string       `json:"task_id"`
	Status       RenderStatus `json:"status"`
	TargetType   TargetType   `json:"target_type"`
	TargetID     string       `json:"target_id"`
	Deduplicated bool         `json:"deduplicated"`
	SceneCount   int          `json:"scene_count,omitempty"`
}

// RenderStatusResponse is the read-only view of a task
type RenderStatusResponse struct {
	TaskID      string        `json:"task_id"`
	TargetType  TargetType    `json:"target_type"`
	TargetID    string        `json:"target_id"`
	Status      RenderStatus  `json:"status"`
	Result      *RenderResult `json:"result,omitempty"`
	Error       *TaskError    `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// StatusView converts a task to its public status shape.
func (t *RenderTask) StatusView() *RenderStatusResponse {
	return &RenderStatusResponse{
		TaskID:      t.TaskID,
		TargetType:  t.TargetType,
		TargetID:    t.TargetID,
		Status:      t.Status,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
