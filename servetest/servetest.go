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

// This package contains testing utilities for docserve.
package servetest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// Enables DEBUG log messages for docserve's structured log (slog).
func EnableDebugLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelDebug)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(h))
}

//------------------------
// Pipeline Test Fixture
//------------------------

// This type implements a Pipeline test fixture. It "converts" every source
// into a one-line markdown document after a configurable delay, reporting
// progress the way a real provider does. Failure and stall injection let
// tests drive the orchestrator into its unhappy paths.
type Pipeline struct {
	Delay time.Duration // how long each document takes to "convert"

	mutex      sync.Mutex
	failNext   string        // when non-empty, the next run fails with this message
	stall      chan struct{} // when non-nil, runs block until the channel closes
	numCleared int           // times ClearCaches has been called
}

// Registers a pipeline test fixture under the given provider name, assigning
// it a per-document conversion delay appropriate to the test of interest.
func RegisterPipeline(providerName string, delay time.Duration) (*Pipeline, error) {
	pipeline := &Pipeline{Delay: delay}
	err := pipelines.RegisterPipeline(providerName, func() (pipelines.Pipeline, error) {
		return pipeline, nil
	})
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// arranges for the next conversion to fail with the given message
func (p *Pipeline) FailNext(message string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.failNext = message
}

// Stalls every subsequent run until the returned function is called. Used to
// hold workers busy while tests fill the queue.
func (p *Pipeline) Stall() func() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	stall := make(chan struct{})
	p.stall = stall
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mutex.Lock()
			p.stall = nil
			p.mutex.Unlock()
			close(stall)
		})
	}
}

// returns the number of times ClearCaches has been called
func (p *Pipeline) NumCleared() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.numCleared
}

func (p *Pipeline) Convert(ctx context.Context, sources []tasks.Source,
	options json.RawMessage, scratchDir string,
	progress pipelines.ProgressFunc) (*pipelines.Result, error) {

	p.mutex.Lock()
	failNext := p.failNext
	p.failNext = ""
	stall := p.stall
	p.mutex.Unlock()

	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failNext != "" {
		return nil, fmt.Errorf("%s", failNext)
	}

	started := time.Now()
	if progress != nil {
		progress(pipelines.ProgressSetNumDocs{NumDocs: len(sources)})
	}
	result := &pipelines.Result{}
	for i, source := range sources {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		filename := fmt.Sprintf("document-%d", i)
		if file, ok := source.(tasks.FileSource); ok {
			filename = file.Filename
		}
		result.Documents = append(result.Documents, pipelines.Document{
			Filename:  filename,
			MdContent: fmt.Sprintf("# %s\n\nconverted by the test fixture\n", filename),
		})
		if progress != nil {
			progress(pipelines.ProgressUpdateProcessed{
				NumProcessed: i + 1,
				NumSucceeded: i + 1,
			})
		}
	}
	result.ProcessingTime = time.Since(started).Seconds()
	return result, nil
}

func (p *Pipeline) Chunk(ctx context.Context, sources []tasks.Source,
	options json.RawMessage, scratchDir string,
	progress pipelines.ProgressFunc) (*pipelines.Result, error) {

	result, err := p.Convert(ctx, sources, options, scratchDir, progress)
	if err != nil {
		return nil, err
	}
	for _, document := range result.Documents {
		result.Chunks = append(result.Chunks, pipelines.Chunk{
			Filename:   document.Filename,
			ChunkIndex: len(result.Chunks),
			Text:       document.MdContent,
		})
	}
	return result, nil
}

func (p *Pipeline) WarmUp() error {
	return nil
}

func (p *Pipeline) ClearCaches() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.numCleared++
}
