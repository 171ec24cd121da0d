package model

// WebSocket message types
const (
	WSMessageTypeStatus   = "status"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage announces a task transition that is not terminal
type WSStatusMessage struct {
	Type       string       `json:"type"`
	TaskID     string       `json:"task_id"`
	TargetType TargetType   `json:"target_type"`
	TargetID   string       `json:"target_id"`
	Status     RenderStatus `json:"status"`
}

// WSCompleteMessage represents task success
type WSCompleteMessage struct {
	Type   string        `json:"type"`
	TaskID string        `json:"task_id"`
	Result *RenderResult `json:"result"`
}

// WSErrorMessage represents task failure
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"task_id"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
