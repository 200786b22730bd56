package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/docserve/docserve/auth"
	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/engines"
	"github.com/docserve/docserve/engines/local"
	"github.com/docserve/docserve/servetest"

	"github.com/fernet/fernet-go"
)

// the port on which the test service runs
const testPort = 8193

// a service config exercising the whole stack with the pipeline fixture
const serviceConfig string = `
service:
  port: 8193
  max_connections: 100
  data_dir: TESTING_DIR
engine:
  name: local
  pipeline: fixture
  num_workers: 2
  sync_poll_interval: 100
  max_sync_wait: 10
`

// working directory
var CWD string

// temporary testing directory
var TESTING_DIR string

// the service under test
var service DocService

// the pipeline fixture behind the service
var fixture *servetest.Pipeline

// performs setup for tests
func setup() {
	log.SetFlags(0)

	var err error
	CWD, err = os.Getwd()
	if err != nil {
		log.Panicf("Couldn't get working directory: %s", err.Error())
	}
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "docserve-service-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err.Error())
	}
	os.Chdir(TESTING_DIR)

	yaml := strings.ReplaceAll(serviceConfig, "TESTING_DIR", TESTING_DIR)
	if err = config.Init([]byte(yaml)); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s", err.Error())
	}

	if err = engines.RegisterEngine("local", local.NewOrchestrator); err != nil {
		log.Panicf("Couldn't register the local engine: %s", err.Error())
	}
	fixture, err = servetest.RegisterPipeline("fixture", 10*time.Millisecond)
	if err != nil {
		log.Panicf("Couldn't register the pipeline fixture: %s", err.Error())
	}

	service, err = NewDocServe()
	if err != nil {
		log.Panicf("Couldn't create the service: %s", err.Error())
	}
	go service.Start(testPort)

	// wait for the service to come up
	for i := 0; i < 50; i++ {
		if _, err := http.Get(apiUrl("/health")); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Panicf("The service never came up on port %d", testPort)
}

// performs breakdown for tests
func breakdown() {
	if service != nil {
		service.Close()
	}
	os.Chdir(CWD)
	os.RemoveAll(TESTING_DIR)
}

func apiUrl(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", testPort, path)
}

// submits a conversion or chunking request, returning the response
func post(t *testing.T, path string, body map[string]any) *http.Response {
	encoded, err := json.Marshal(body)
	assert.Nil(t, err)
	response, err := http.Post(apiUrl(path), "application/json",
		bytes.NewReader(encoded))
	assert.Nil(t, err)
	return response
}

// decodes a JSON response body into the given value
func decode(t *testing.T, response *http.Response, value any) {
	defer response.Body.Close()
	content, err := io.ReadAll(response.Body)
	assert.Nil(t, err)
	assert.Nil(t, json.Unmarshal(content, value))
}

// the request body for a one-document conversion
func convertBody(filename string) map[string]any {
	return map[string]any{
		"sources": []map[string]any{
			{"kind": "file", "filename": filename, "base64_string": "IyBoaQo="},
		},
	}
}

// submits an async conversion and polls it to a terminal status
func runAsyncTask(t *testing.T, path string, body map[string]any) TaskStatusResponse {
	response := post(t, path, body)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	var status TaskStatusResponse
	decode(t, response, &status)
	assert.NotEmpty(t, status.TaskId)

	deadline := time.Now().Add(10 * time.Second)
	for status.TaskStatus != "success" && status.TaskStatus != "failure" &&
		time.Now().Before(deadline) {
		pollResponse, err := http.Get(apiUrl("/api/v1/status/poll/" + status.TaskId + "?wait=2"))
		assert.Nil(t, err)
		assert.Equal(t, http.StatusOK, pollResponse.StatusCode)
		// decode into a fresh struct: fields omitted from the poll response
		// (e.g. task_position after the task leaves "pending") must not
		// survive from an earlier snapshot
		status = TaskStatusResponse{}
		decode(t, pollResponse, &status)
	}
	return status
}

// To run the tests serially, we attach them to a SerialTests type and
// have them run by a single test runner.
type SerialTests struct{ Test *testing.T }

func (t *SerialTests) TestQueryRoot() {
	assert := assert.New(t.Test)

	response, err := http.Get(apiUrl("/"))
	assert.Nil(err)
	assert.Equal(http.StatusOK, response.StatusCode)
	var info ServiceInfoResponse
	decode(t.Test, response, &info)
	assert.Equal("docserve", info.Name)
	assert.Equal(version, info.Version)
	assert.Equal("/docs", info.Documentation)
}

func (t *SerialTests) TestQueryHealth() {
	assert := assert.New(t.Test)

	response, err := http.Get(apiUrl("/health"))
	assert.Nil(err)
	assert.Equal(http.StatusOK, response.StatusCode)
	var health HealthCheckResponse
	decode(t.Test, response, &health)
	assert.Equal("ok", health.Status)
	assert.Equal(2, health.NumWorkers)
}

func (t *SerialTests) TestAsyncConvertFlow() {
	assert := assert.New(t.Test)

	status := runAsyncTask(t.Test, "/api/v1/convert/source/async",
		convertBody("doc.md"))
	assert.Equal("success", status.TaskStatus)
	assert.Equal("convert", status.TaskType)
	assert.Equal(1, status.TaskMeta.NumSucceeded)
	assert.Nil(status.TaskPosition)

	response, err := http.Get(apiUrl("/api/v1/result/" + status.TaskId))
	assert.Nil(err)
	assert.Equal(http.StatusOK, response.StatusCode)
	var result ConvertResultResponse
	decode(t.Test, response, &result)
	assert.Equal("success", result.Status)
	assert.Len(result.Documents, 1)
	assert.Equal("doc.md", result.Documents[0].Filename)
}

func (t *SerialTests) TestAsyncChunkFlow() {
	assert := assert.New(t.Test)

	status := runAsyncTask(t.Test, "/api/v1/chunk/source/async",
		convertBody("doc.md"))
	assert.Equal("success", status.TaskStatus)
	assert.Equal("chunk", status.TaskType)

	response, err := http.Get(apiUrl("/api/v1/result/" + status.TaskId))
	assert.Nil(err)
	assert.Equal(http.StatusOK, response.StatusCode)
	var result ConvertResultResponse
	decode(t.Test, response, &result)
	assert.NotEmpty(result.Chunks)
}

func (t *SerialTests) TestSyncConvert() {
	assert := assert.New(t.Test)

	response := post(t.Test, "/api/v1/convert/source", convertBody("doc.md"))
	assert.Equal(http.StatusOK, response.StatusCode)
	var result ConvertResultResponse
	decode(t.Test, response, &result)
	assert.Equal("success", result.Status)
	assert.Len(result.Documents, 1)
}

func (t *SerialTests) TestSyncConvertWithZipTarget() {
	assert := assert.New(t.Test)

	body := convertBody("doc.md")
	body["target"] = map[string]any{"kind": "zip"}
	response := post(t.Test, "/api/v1/convert/source", body)
	assert.Equal(http.StatusOK, response.StatusCode)
	assert.Equal("application/zip", response.Header.Get("Content-Type"))
	assert.Contains(response.Header.Get("Content-Disposition"), "attachment")
	assert.Contains(response.Header.Get("Content-Disposition"), ".zip")
	archive, err := io.ReadAll(response.Body)
	response.Body.Close()
	assert.Nil(err)
	assert.NotEmpty(archive)
	// zip archives start with the "PK" signature
	assert.True(bytes.HasPrefix(archive, []byte("PK")))
}

func (t *SerialTests) TestSyncConvertFailure() {
	assert := assert.New(t.Test)

	fixture.FailNext("conversion fell over")
	response := post(t.Test, "/api/v1/convert/source", convertBody("doc.md"))
	assert.Equal(http.StatusUnprocessableEntity, response.StatusCode)
	response.Body.Close()
}

func (t *SerialTests) TestInvalidSourceKind() {
	assert := assert.New(t.Test)

	body := map[string]any{
		"sources": []map[string]any{{"kind": "carrier_pigeon"}},
	}
	response := post(t.Test, "/api/v1/convert/source/async", body)
	assert.Equal(http.StatusBadRequest, response.StatusCode)
	response.Body.Close()

	// a request with an empty source list is also rejected
	response = post(t.Test, "/api/v1/convert/source/async",
		map[string]any{"sources": []any{}})
	assert.Equal(http.StatusBadRequest, response.StatusCode)
	response.Body.Close()
}

func (t *SerialTests) TestUnknownTaskStatus() {
	assert := assert.New(t.Test)

	response, err := http.Get(apiUrl("/api/v1/status/poll/never-existed"))
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, response.StatusCode)
	response.Body.Close()

	response, err = http.Get(apiUrl("/api/v1/result/never-existed"))
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, response.StatusCode)
	response.Body.Close()
}

func (t *SerialTests) TestDeleteTaskResult() {
	assert := assert.New(t.Test)

	status := runAsyncTask(t.Test, "/api/v1/convert/source/async",
		convertBody("doc.md"))
	assert.Equal("success", status.TaskStatus)

	request, err := http.NewRequest(http.MethodDelete,
		apiUrl("/api/v1/result/"+status.TaskId), nil)
	assert.Nil(err)
	response, err := http.DefaultClient.Do(request)
	assert.Nil(err)
	assert.Equal(http.StatusAccepted, response.StatusCode)
	response.Body.Close()

	// the task is gone now
	pollResponse, err := http.Get(apiUrl("/api/v1/status/poll/" + status.TaskId))
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, pollResponse.StatusCode)
	pollResponse.Body.Close()
}

func (t *SerialTests) TestClearEndpoints() {
	assert := assert.New(t.Test)

	status := runAsyncTask(t.Test, "/api/v1/convert/source/async",
		convertBody("doc.md"))
	assert.Equal("success", status.TaskStatus)

	response, err := http.Get(apiUrl("/api/v1/clear/results?older_then=0"))
	assert.Nil(err)
	assert.Equal(http.StatusOK, response.StatusCode)
	var cleared ClearResponse
	decode(t.Test, response, &cleared)
	assert.Equal("ok", cleared.Status)

	// the cleared task is gone
	pollResponse, err := http.Get(apiUrl("/api/v1/status/poll/" + status.TaskId))
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, pollResponse.StatusCode)
	pollResponse.Body.Close()

	before := fixture.NumCleared()
	response, err = http.Get(apiUrl("/api/v1/clear/converters"))
	assert.Nil(err)
	assert.Equal(http.StatusOK, response.StatusCode)
	response.Body.Close()
	assert.Equal(before+1, fixture.NumCleared())
}

func (t *SerialTests) TestStatusWebsocket() {
	assert := assert.New(t.Test)

	status := runAsyncTask(t.Test, "/api/v1/convert/source/async",
		convertBody("doc.md"))
	assert.Equal("success", status.TaskStatus)

	// a late subscriber gets the terminal snapshot and a clean close
	wsUrl := fmt.Sprintf("ws://localhost:%d/api/v1/status/ws/%s", testPort, status.TaskId)
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Nil(err)
	defer conn.Close()

	var message WebsocketMessage
	assert.Nil(conn.ReadJSON(&message))
	assert.Equal("connection", message.Message)
	assert.NotNil(message.Task)
	assert.Equal("success", message.Task.TaskStatus)

	for {
		if err := conn.ReadJSON(&message); err != nil {
			assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
			break
		}
		assert.Equal("update", message.Message)
	}
}

func (t *SerialTests) TestAuthorization() {
	assert := assert.New(t.Test)

	// turn authentication on for this test only
	var key fernet.Key
	assert.Nil(key.Generate())
	config.Service.Secret = key.Encode()
	defer func() { config.Service.Secret = "" }()

	// requests without a key bounce
	response := post(t.Test, "/api/v1/convert/source/async", convertBody("doc.md"))
	assert.Equal(http.StatusUnauthorized, response.StatusCode)
	response.Body.Close()

	// the root and health endpoints stay open
	rootResponse, err := http.Get(apiUrl("/"))
	assert.Nil(err)
	assert.Equal(http.StatusOK, rootResponse.StatusCode)
	rootResponse.Body.Close()

	// requests with a minted key pass
	apiKey, err := auth.NewApiKey("test-client")
	assert.Nil(err)
	encoded, err := json.Marshal(convertBody("doc.md"))
	assert.Nil(err)
	request, err := http.NewRequest(http.MethodPost,
		apiUrl("/api/v1/convert/source/async"), bytes.NewReader(encoded))
	assert.Nil(err)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+apiKey)
	authResponse, err := http.DefaultClient.Do(request)
	assert.Nil(err)
	assert.Equal(http.StatusOK, authResponse.StatusCode)
	authResponse.Body.Close()
}

// runs the serial tests
func TestRunner(t *testing.T) {
	tester := SerialTests{Test: t}
	tester.TestQueryRoot()
	tester.TestQueryHealth()
	tester.TestAsyncConvertFlow()
	tester.TestAsyncChunkFlow()
	tester.TestSyncConvert()
	tester.TestSyncConvertWithZipTarget()
	tester.TestSyncConvertFailure()
	tester.TestInvalidSourceKind()
	tester.TestUnknownTaskStatus()
	tester.TestDeleteTaskResult()
	tester.TestClearEndpoints()
	tester.TestStatusWebsocket()
	tester.TestAuthorization()
}

// runs setup, runs all tests, does breakdown
func TestMain(m *testing.M) {
	setup()
	status := m.Run()
	breakdown()
	os.Exit(status)
}
