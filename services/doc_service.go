package services

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// This package-specific helper function writes a JSON payload to an
// http.ResponseWriter.
func writeJson(w http.ResponseWriter, data []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if len(data) > 0 {
		w.Write(data)
	}
}

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"docserve" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
}

// a response for a health query (GET)
type HealthCheckResponse struct {
	Status     string `json:"status" example:"ok" doc:"engine health"`
	QueueSize  int    `json:"queue_size" doc:"number of tasks awaiting a worker"`
	NumWorkers int    `json:"num_workers,omitempty" doc:"number of task workers"`
}

// a request for a document conversion or chunking job (POST); sources and
// target are tagged unions decoded by the tasks package
type ConvertRequest struct {
	Sources json.RawMessage `json:"sources" doc:"input documents (kind: file|http|s3)"`
	Options json.RawMessage `json:"options,omitempty" doc:"pipeline options, passed through opaquely"`
	Target  json.RawMessage `json:"target,omitempty" doc:"result destination (kind: inbody|zip|put); defaults to inbody"`
}

// a response describing a task and its current lifecycle status (POST/GET)
type TaskStatusResponse struct {
	// task ID
	TaskId string `json:"task_id"`
	// the kind of work performed ("convert" or "chunk")
	TaskType string `json:"task_type"`
	// task lifecycle status ("pending", "started", "success", "failure")
	TaskStatus string `json:"task_status"`
	// 1-based position among pending tasks (present only while pending)
	TaskPosition *int `json:"task_position,omitempty"`
	// document-processing counters
	TaskMeta tasks.ProcessingMeta `json:"task_meta"`
	// number of tasks awaiting a worker
	QueueSize *int `json:"queue_size,omitempty"`
	// failure reason (present only for "failure")
	ErrorMessage string `json:"error_message,omitempty"`
}

// a response carrying a converted result in the body (GET/POST)
type ConvertResultResponse struct {
	Documents      []pipelines.Document `json:"documents"`
	Chunks         []pipelines.Chunk    `json:"chunks,omitempty"`
	ProcessingTime float64              `json:"processing_time" doc:"pipeline processing time (seconds)"`
	Errors         []string             `json:"errors,omitempty" doc:"per-document conversion errors"`
	Status         string               `json:"status" example:"success"`
}

// a response acknowledging an upload to a presigned PUT target
type UploadAckResponse struct {
	Status string `json:"status" example:"success"`
	Target string `json:"target" example:"put" doc:"the target kind the result was delivered to"`
}

// a response for a bulk cleanup request (GET)
type ClearResponse struct {
	Status string `json:"status" example:"ok"`
}

// a message streamed over the status websocket
type WebsocketMessage struct {
	// one of "connection", "update", "error"
	Message string `json:"message"`
	// the task snapshot ("connection" and "update" messages)
	Task *TaskStatusResponse `json:"task,omitempty"`
	// a description of what went wrong ("error" messages)
	Error string `json:"error,omitempty"`
}

// DocService defines the interface for our document conversion service.
type DocService interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}

// builds the wire representation of a task snapshot
func taskStatusResponse(task tasks.Task, position *int, queueSize *int) TaskStatusResponse {
	return TaskStatusResponse{
		TaskId:       task.Id,
		TaskType:     string(task.Type),
		TaskStatus:   string(task.Status),
		TaskPosition: position,
		TaskMeta:     task.Meta,
		QueueSize:    queueSize,
		ErrorMessage: task.ErrorMessage,
	}
}

// parses a wait parameter ("5", "2.5") into a duration, clamped to the
// given bound
func parseWait(wait string, bound time.Duration) time.Duration {
	if wait == "" {
		return 0
	}
	var seconds float64
	if err := json.Unmarshal([]byte(wait), &seconds); err != nil || seconds <= 0 {
		return 0
	}
	duration := time.Duration(seconds * float64(time.Second))
	if bound > 0 && duration > bound {
		return bound
	}
	return duration
}
