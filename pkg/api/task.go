package api

import (
	"time"
)

type SubmitTaskRequest struct {
	TaskId  string         `json:"taskId"`
	Payload map[string]any `json:"payload"`
}

type SubmitTaskResponse struct {
	Message string `json:"message"`
	TaskId  string `json:"taskId"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

type GetTaskRequest struct {
	TaskId string `in:"path=taskId"`
}

type TaskInfo struct {
	TaskId    string         `json:"taskId"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	Payload   map[string]any `json:"payload"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type GetTaskResponse TaskInfo

type ListTasksRequest struct {
	Page uint64 `in:"query=page"`
	Size uint64 `in:"query=size"`
}

type ListTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}
