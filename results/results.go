// Copyright (c) 2024 The Docserve Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// This package renders a completed task's result into the form its target
// requests: JSON in the response body, a zip archive with a frictionless
// manifest, or an upload to a presigned PUT URL.
package results

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/StalkR/hsts"

	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// This type is what the service layer hands back to the HTTP client. Exactly
// one of Result and Archive is populated, except for PUT targets, where the
// archive has already been shipped and only the acknowledgment remains.
type Delivery struct {
	ContentType string
	// in-body delivery
	Result *pipelines.Result
	// zip delivery
	Filename string
	Archive  []byte
	// put delivery
	Uploaded bool
}

// Prepare renders a successful result for the task's target.
func Prepare(ctx context.Context, task tasks.Task, result *pipelines.Result) (*Delivery, error) {
	switch target := task.Target.Target.(type) {
	case nil, tasks.InBodyTarget:
		return &Delivery{
			ContentType: "application/json",
			Result:      result,
		}, nil

	case tasks.ZipTarget:
		archive, err := buildArchive(task, result)
		if err != nil {
			return nil, err
		}
		return &Delivery{
			ContentType: "application/zip",
			Filename:    fmt.Sprintf("converted_docs_%s.zip", task.Id),
			Archive:     archive,
		}, nil

	case tasks.PutTarget:
		archive, err := buildArchive(task, result)
		if err != nil {
			return nil, err
		}
		if err := upload(ctx, target.Url, archive); err != nil {
			return nil, err
		}
		return &Delivery{
			ContentType: "application/json",
			Uploaded:    true,
		}, nil

	default:
		return nil, &tasks.InvalidRequestError{
			Message: fmt.Sprintf("%s targets are not supported", task.Target.Kind()),
		}
	}
}

// Here's a secure HTTP client for shipping archives to presigned URLs. It
// sets a reasonable timeout and enables HTTP Strict Transport Security (HSTS).
func secureHttpClient(timeout time.Duration) http.Client {
	client := http.Client{
		Timeout: timeout,
	}
	client.Transport = hsts.New(client.Transport) // enable HSTS
	return client
}

// ships the archive to a presigned PUT URL
func upload(ctx context.Context, url string, archive []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, url,
		bytes.NewReader(archive))
	if err != nil {
		return &UploadError{Url: url, Message: err.Error()}
	}
	request.Header.Set("Content-Type", "application/zip")
	request.ContentLength = int64(len(archive))

	client := secureHttpClient(5 * time.Minute)
	response, err := client.Do(request)
	if err != nil {
		return &UploadError{Url: url, Message: err.Error()}
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &UploadError{Url: url, Message: response.Status}
	}
	return nil
}
