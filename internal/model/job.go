package model

// Job types
const (
	JobTypeRenderScene  = "render:scene"
	JobTypeRenderModule = "render:module"
)

// SceneRenderJob is the queue payload of a SCENE render task
type SceneRenderJob struct {
	TaskID  string `json:"task_id"`
	SceneID string `json:"scene_id"`
}

// ModuleRenderJob is the queue payload of a MODULE render task.
// Inputs are the scene outputs captured when the task was dispatched.
type ModuleRenderJob struct {
	TaskID   string        `json:"task_id"`
	ModuleID string        `json:"module_id"`
	Inputs   []RenderInput `json:"inputs"`
}
