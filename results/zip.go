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

package results

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frictionlessdata/datapackage-go/datapackage"

	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// one file destined for the archive, with its manifest resource metadata
type archiveEntry struct {
	path      string
	format    string
	mediatype string
	content   []byte
}

// Assembles a zip archive holding every rendition the pipeline produced,
// plus a frictionless datapackage descriptor (manifest.json) cataloguing
// the archive's contents.
func buildArchive(task tasks.Task, result *pipelines.Result) ([]byte, error) {
	entries := collectEntries(result)
	if len(entries) == 0 {
		return nil, &EmptyArchiveError{Id: task.Id}
	}

	manifest, err := buildManifest(task, entries)
	if err != nil {
		return nil, err
	}
	entries = append(entries, archiveEntry{
		path:      "manifest.json",
		format:    "json",
		mediatype: "application/json",
		content:   manifest,
	})

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, entry := range entries {
		file, err := writer.Create(entry.path)
		if err != nil {
			return nil, fmt.Errorf("creating %s in archive: %s", entry.path, err.Error())
		}
		if _, err := file.Write(entry.content); err != nil {
			return nil, fmt.Errorf("writing %s to archive: %s", entry.path, err.Error())
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %s", err.Error())
	}
	return buffer.Bytes(), nil
}

func collectEntries(result *pipelines.Result) []archiveEntry {
	var entries []archiveEntry
	for _, document := range result.Documents {
		// entry paths derive from client-controlled filenames; keep them flat
		name := filepath.Base(document.Filename)
		if document.MdContent != "" {
			entries = append(entries, archiveEntry{
				path:      name + ".md",
				format:    "md",
				mediatype: "text/markdown",
				content:   []byte(document.MdContent),
			})
		}
		if document.HtmlContent != "" {
			entries = append(entries, archiveEntry{
				path:      name + ".html",
				format:    "html",
				mediatype: "text/html",
				content:   []byte(document.HtmlContent),
			})
		}
		if document.TextContent != "" {
			entries = append(entries, archiveEntry{
				path:      name + ".txt",
				format:    "txt",
				mediatype: "text/plain",
				content:   []byte(document.TextContent),
			})
		}
		if len(document.JsonContent) > 0 {
			entries = append(entries, archiveEntry{
				path:      name + ".json",
				format:    "json",
				mediatype: "application/json",
				content:   document.JsonContent,
			})
		}
		if document.DoctagsContent != "" {
			entries = append(entries, archiveEntry{
				path:      name + ".doctags.txt",
				format:    "txt",
				mediatype: "text/plain",
				content:   []byte(document.DoctagsContent),
			})
		}
	}
	if len(result.Chunks) > 0 {
		if content, err := json.Marshal(result.Chunks); err == nil {
			entries = append(entries, archiveEntry{
				path:      "chunks.json",
				format:    "json",
				mediatype: "application/json",
				content:   content,
			})
		}
	}
	return entries
}

// builds and validates the datapackage descriptor for the archive
func buildManifest(task tasks.Task, entries []archiveEntry) ([]byte, error) {
	descriptors := make([]any, len(entries))
	for i, entry := range entries {
		descriptors[i] = map[string]any{
			"name":      resourceName(entry.path),
			"path":      entry.path,
			"format":    entry.format,
			"mediatype": entry.mediatype,
			"bytes":     len(entry.content),
		}
	}
	descriptor := map[string]any{
		"name":      "manifest",
		"resources": descriptors,
		"created":   time.Now().Format(time.RFC3339),
		"profile":   "data-package",
		"keywords":  []any{"docserve", string(task.Type)},
	}

	manifest, err := datapackage.New(descriptor, ".")
	if err != nil {
		return nil, fmt.Errorf("building archive manifest: %s", err.Error())
	}

	// write the validated descriptor through the task's scratch directory
	scratch := task.ScratchDir
	if scratch == "" {
		if scratch, err = os.MkdirTemp("", "docserve-manifest-"); err != nil {
			return nil, fmt.Errorf("creating manifest directory: %s", err.Error())
		}
		defer os.RemoveAll(scratch)
	}
	manifestFile := filepath.Join(scratch, "manifest.json")
	if err := manifest.SaveDescriptor(manifestFile); err != nil {
		return nil, fmt.Errorf("writing archive manifest: %s", err.Error())
	}
	content, err := os.ReadFile(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("reading archive manifest: %s", err.Error())
	}
	return content, nil
}

// datapackage resource names must be lower-case alphanumerics with ., - and _
func resourceName(path string) string {
	name := make([]rune, 0, len(path))
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '-' || r == '_':
			name = append(name, r)
		case r >= 'A' && r <= 'Z':
			name = append(name, r+('a'-'A'))
		default:
			name = append(name, '_')
		}
	}
	if len(name) == 0 {
		slog.Debug(fmt.Sprintf("Resource path %q yields an empty name", path))
		return "resource"
	}
	return string(name)
}
