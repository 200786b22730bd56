package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/docserve/docserve/auth"
	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/engines"
	"github.com/docserve/docserve/journal"
	"github.com/docserve/docserve/results"
	"github.com/docserve/docserve/tasks"
)

// Version numbers
var majorVersion = 0
var minorVersion = 1
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// This type implements the DocService interface, orchestrating document
// conversion and chunking jobs through the configured engine.
type docserve struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server
	Server *http.Server
	// the task engine behind the API
	Orchestrator engines.Orchestrator
}

// authorize clients for docserve, returning an error describing any issue
// encountered
func authorize(authorizationHeader string) error {
	if err := auth.Authorize(authorizationHeader); err != nil {
		return huma.Error401Unauthorized(err.Error())
	}
	return nil
}

// maps a task-layer error onto the appropriate HTTP error
func apiError(err error) error {
	var notFound *tasks.NotFoundError
	var invalid *tasks.InvalidRequestError
	var queueFull *tasks.QueueFullError
	var timeout *tasks.TimeoutError
	var upstream *tasks.UpstreamUnavailableError
	switch {
	case errors.As(err, &notFound):
		return huma.Error404NotFound(err.Error())
	case errors.As(err, &invalid):
		return huma.Error400BadRequest(err.Error())
	case errors.As(err, &queueFull):
		return huma.Error429TooManyRequests(err.Error())
	case errors.As(err, &timeout):
		return huma.Error504GatewayTimeout(err.Error())
	case errors.As(err, &upstream):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return err
	}
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root (no authorization needed for this one)
func (service *docserve) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Info("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(service.uptime()),
			Documentation: "/docs",
		},
	}, nil
}

type HealthOutput struct {
	Body HealthCheckResponse `doc:"the health of the task engine"`
}

// handler method for health queries (no authorization needed)
func (service *docserve) getHealth(ctx context.Context,
	input *struct{}) (*HealthOutput, error) {

	if err := service.Orchestrator.CheckHealth(ctx); err != nil {
		return nil, apiError(err)
	}
	queueSize, err := service.Orchestrator.QueueSize(ctx)
	if err != nil {
		return nil, apiError(err)
	}
	return &HealthOutput{
		Body: HealthCheckResponse{
			Status:     "ok",
			QueueSize:  queueSize,
			NumWorkers: config.Engine.NumWorkers,
		},
	}, nil
}

type TaskStatusOutput struct {
	Body TaskStatusResponse `doc:"A status message for the task with the given ID"`
}

// the input type shared by the four submission endpoints
type convertInput struct {
	Authorization string         `header:"Authorization" doc:"Authorization header with a bearer API key"`
	Body          ConvertRequest `doc:"The body of a POST request for a conversion or chunking job"`
	ContentType   string         `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
}

// decodes and validates a submission request body
func decodeRequest(request ConvertRequest) ([]tasks.Source, tasks.Target, error) {
	if len(request.Sources) == 0 {
		return nil, nil, &tasks.InvalidRequestError{
			Message: "at least one source is required"}
	}
	var sources tasks.SourceList
	if err := json.Unmarshal(request.Sources, &sources); err != nil {
		var invalid *tasks.InvalidRequestError
		if errors.As(err, &invalid) {
			return nil, nil, err
		}
		return nil, nil, &tasks.InvalidRequestError{Message: err.Error()}
	}
	var target tasks.Target = tasks.InBodyTarget{}
	if len(request.Target) > 0 {
		var err error
		if target, err = tasks.UnmarshalTarget(request.Target); err != nil {
			return nil, nil, err
		}
	}
	return sources, target, nil
}

// enqueues a task for an async submission endpoint
func (service *docserve) submit(ctx context.Context, taskType tasks.TaskType,
	request ConvertRequest) (tasks.Task, error) {

	sources, target, err := decodeRequest(request)
	if err != nil {
		return tasks.Task{}, apiError(err)
	}
	task, err := service.Orchestrator.Enqueue(ctx, taskType, sources,
		request.Options, target)
	if err != nil {
		return tasks.Task{}, apiError(err)
	}
	return task, nil
}

// handler method for initiating an asynchronous conversion
func (service *docserve) createConvertTask(ctx context.Context,
	input *convertInput) (*TaskStatusOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	task, err := service.submit(ctx, tasks.TaskTypeConvert, input.Body)
	if err != nil {
		return nil, err
	}
	return service.statusOutput(ctx, task)
}

// handler method for initiating an asynchronous chunking job
func (service *docserve) createChunkTask(ctx context.Context,
	input *convertInput) (*TaskStatusOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	task, err := service.submit(ctx, tasks.TaskTypeChunk, input.Body)
	if err != nil {
		return nil, err
	}
	return service.statusOutput(ctx, task)
}

// handler method for a synchronous conversion: the request blocks until the
// task completes or the sync wait bound elapses
func (service *docserve) convertSource(ctx context.Context,
	input *convertInput) (*DeliveryOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	task, err := service.submit(ctx, tasks.TaskTypeConvert, input.Body)
	if err != nil {
		return nil, err
	}
	return service.awaitAndDeliver(ctx, task)
}

// handler method for a synchronous chunking job
func (service *docserve) chunkSource(ctx context.Context,
	input *convertInput) (*DeliveryOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	task, err := service.submit(ctx, tasks.TaskTypeChunk, input.Body)
	if err != nil {
		return nil, err
	}
	return service.awaitAndDeliver(ctx, task)
}

// Polls the task every sync_poll_interval until it completes, bounded by
// max_sync_wait. On exceedance the task keeps running and the client gets a
// 504 pointing at the async API.
func (service *docserve) awaitAndDeliver(ctx context.Context,
	task tasks.Task) (*DeliveryOutput, error) {

	pollInterval := time.Duration(config.Engine.SyncPollInterval) * time.Millisecond
	deadline := time.Now().Add(time.Duration(config.Engine.MaxSyncWait) * time.Second)

	snapshot := task
	for !snapshot.Completed() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, huma.Error504GatewayTimeout(fmt.Sprintf(
				"Task %s is still running. Use the async API to track long conversions.",
				task.Id))
		}
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		var err error
		snapshot, err = service.Orchestrator.TaskStatus(ctx, task.Id, wait)
		if err != nil {
			return nil, apiError(err)
		}
	}

	if snapshot.Status == tasks.TaskStatusFailure {
		return nil, huma.Error422UnprocessableEntity(snapshot.ErrorMessage)
	}
	return service.deliver(ctx, snapshot)
}

// handler method for getting the status of a task, optionally long-polling
func (service *docserve) getTaskStatus(ctx context.Context,
	input *struct {
		Authorization string `header:"Authorization" doc:"Authorization header with a bearer API key"`
		Id            string `path:"task_id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the UUID for the requested task"`
		Wait          string `query:"wait" example:"10" doc:"seconds to wait for a status change before responding"`
	}) (*TaskStatusOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	wait := parseWait(input.Wait, time.Duration(config.Engine.MaxSyncWait)*time.Second)
	task, err := service.Orchestrator.TaskStatus(ctx, input.Id, wait)
	if err != nil {
		return nil, apiError(err)
	}
	return service.statusOutput(ctx, task)
}

// builds a status response, attaching queue position and size where relevant
func (service *docserve) statusOutput(ctx context.Context,
	task tasks.Task) (*TaskStatusOutput, error) {

	var position *int
	if task.Status == tasks.TaskStatusPending {
		position, _ = service.Orchestrator.QueuePosition(ctx, task.Id)
	}
	var queueSize *int
	if size, err := service.Orchestrator.QueueSize(ctx); err == nil {
		queueSize = &size
	}
	return &TaskStatusOutput{
		Body: taskStatusResponse(task, position, queueSize),
	}, nil
}

// a raw output for result delivery: JSON, a zip archive, or an upload ack
type DeliveryOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// handler method for fetching the result of a completed task
func (service *docserve) getTaskResult(ctx context.Context,
	input *struct {
		Authorization string `header:"Authorization" doc:"Authorization header with a bearer API key"`
		Id            string `path:"task_id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the UUID for the requested task"`
	}) (*DeliveryOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	task, err := service.Orchestrator.TaskStatus(ctx, input.Id, 0)
	if err != nil {
		return nil, apiError(err)
	}
	switch task.Status {
	case tasks.TaskStatusFailure:
		return nil, huma.Error422UnprocessableEntity(task.ErrorMessage)
	case tasks.TaskStatusSuccess:
		return service.deliver(ctx, task)
	default:
		return nil, huma.Error404NotFound(
			"Task result not found. Please wait for a completion status.")
	}
}

// renders a successful task's result for its target
func (service *docserve) deliver(ctx context.Context,
	task tasks.Task) (*DeliveryOutput, error) {

	result, err := service.Orchestrator.TaskResult(ctx, task.Id)
	if err != nil {
		return nil, apiError(err)
	}
	if result == nil {
		return nil, huma.Error404NotFound(
			"Task result not found. Please wait for a completion status.")
	}
	delivery, err := results.Prepare(ctx, task, result)
	if err != nil {
		return nil, apiError(err)
	}

	switch {
	case delivery.Archive != nil:
		return &DeliveryOutput{
			ContentType: delivery.ContentType,
			ContentDisposition: fmt.Sprintf("attachment; filename=%q",
				delivery.Filename),
			Body: delivery.Archive,
		}, nil
	case delivery.Uploaded:
		body, _ := json.Marshal(UploadAckResponse{
			Status: "success",
			Target: task.Target.Kind(),
		})
		return &DeliveryOutput{ContentType: delivery.ContentType, Body: body}, nil
	default:
		body, err := json.Marshal(ConvertResultResponse{
			Documents:      delivery.Result.Documents,
			Chunks:         delivery.Result.Chunks,
			ProcessingTime: delivery.Result.ProcessingTime,
			Errors:         delivery.Result.Errors,
			Status:         "success",
		})
		if err != nil {
			return nil, err
		}
		return &DeliveryOutput{ContentType: delivery.ContentType, Body: body}, nil
	}
}

type TaskDeletionOutput struct {
	Status int
}

// handler method for deleting a task and its result
func (service *docserve) deleteTaskResult(ctx context.Context,
	input *struct {
		Authorization string `header:"Authorization" doc:"Authorization header with a bearer API key"`
		Id            string `path:"task_id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the UUID for the requested task"`
	}) (*TaskDeletionOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	if err := service.Orchestrator.DeleteTask(ctx, input.Id); err != nil {
		return nil, apiError(err)
	}
	return &TaskDeletionOutput{
		Status: http.StatusAccepted,
	}, nil
}

type ClearOutput struct {
	Body ClearResponse `doc:"an acknowledgment of the cleanup request"`
}

// handler method for evicting old terminal tasks and their results
func (service *docserve) clearResults(ctx context.Context,
	input *struct {
		Authorization string `header:"Authorization" doc:"Authorization header with a bearer API key"`
		OlderThen     string `query:"older_then" example:"3600" doc:"only remove results older than this many seconds"`
	}) (*ClearOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	olderThan := parseWait(input.OlderThen, 0)
	if err := service.Orchestrator.ClearResults(ctx, olderThan); err != nil {
		return nil, apiError(err)
	}
	return &ClearOutput{Body: ClearResponse{Status: "ok"}}, nil
}

// handler method for dropping warmed converter caches
func (service *docserve) clearConverters(ctx context.Context,
	input *struct {
		Authorization string `header:"Authorization" doc:"Authorization header with a bearer API key"`
	}) (*ClearOutput, error) {

	if err := authorize(input.Authorization); err != nil {
		return nil, err
	}
	if err := service.Orchestrator.ClearConverters(ctx); err != nil {
		return nil, apiError(err)
	}
	return &ClearOutput{Body: ClearResponse{Status: "ok"}}, nil
}

// returns the uptime for the service in seconds
func (service *docserve) uptime() float64 {
	return time.Since(service.StartTime).Seconds()
}

// constructs a document conversion service given our configuration
func NewDocServe() (DocService, error) {

	orchestrator, err := engines.NewOrchestrator()
	if err != nil {
		return nil, err
	}

	service := new(docserve)
	service.Name = config.Service.Name
	service.Version = version
	service.Port = -1
	service.Orchestrator = orchestrator

	// set up routing
	service.Router = mux.NewRouter()
	api := humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	service.API = api
	huma.Get(api, "/", service.getRoot)
	huma.Get(api, "/health", service.getHealth)

	// API v1
	huma.Post(api, "/api/v1/convert/source", service.convertSource)
	huma.Post(api, "/api/v1/chunk/source", service.chunkSource)
	huma.Post(api, "/api/v1/convert/source/async", service.createConvertTask)
	huma.Post(api, "/api/v1/chunk/source/async", service.createChunkTask)
	huma.Get(api, "/api/v1/status/poll/{task_id}", service.getTaskStatus)
	huma.Get(api, "/api/v1/result/{task_id}", service.getTaskResult)
	huma.Delete(api, "/api/v1/result/{task_id}", service.deleteTaskResult)
	huma.Get(api, "/api/v1/clear/results", service.clearResults)
	huma.Get(api, "/api/v1/clear/converters", service.clearConverters)

	// the status websocket speaks raw HTTP, so it hangs off the router directly
	service.Router.HandleFunc("/api/v1/status/ws/{task_id}", service.streamTaskStatus)

	return service, nil
}

// starts the document conversion service
func (service *docserve) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	service.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// open the task journal and start the engine's workers
	if err = journal.Init(); err != nil {
		return err
	}
	if err = service.Orchestrator.ProcessQueue(context.Background()); err != nil {
		return err
	}

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections
func (service *docserve) Shutdown(ctx context.Context) error {
	service.Orchestrator.Shutdown(ctx)
	journal.Finalize()
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *docserve) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	service.Orchestrator.Shutdown(shutdownCtx)
	journal.Finalize()
	if service.Server != nil {
		service.Server.Close()
	}
}
