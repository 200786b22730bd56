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

package pipelines

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docserve/docserve/tasks"
)

const sampleMarkdown = `# Title

Some introductory text.

## Section One

Content of section one.

## Section Two

Content of section two.
`

func markdownSource(filename, content string) tasks.Source {
	return tasks.FileSource{
		Filename: filename,
		Base64:   base64.StdEncoding.EncodeToString([]byte(content)),
	}
}

func newTestPipeline(t *testing.T) Pipeline {
	pipeline, err := NewMarkdownPipeline()
	assert.Nil(t, err)
	return pipeline
}

func TestConvertMarkdownFile(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	var updates []any
	progress := func(update any) { updates = append(updates, update) }

	result, err := pipeline.Convert(context.Background(),
		[]tasks.Source{markdownSource("doc.md", sampleMarkdown)},
		nil, t.TempDir(), progress)
	assert.Nil(err)
	assert.Len(result.Documents, 1)
	assert.Equal("doc.md", result.Documents[0].Filename)
	assert.Equal(sampleMarkdown, result.Documents[0].MdContent)
	assert.Empty(result.Errors)
	assert.True(result.ProcessingTime >= 0)

	// one SetNumDocs announcement, one processed update per document
	assert.Len(updates, 2)
	assert.Equal(ProgressSetNumDocs{NumDocs: 1}, updates[0])
	assert.Equal(ProgressUpdateProcessed{NumProcessed: 1, NumSucceeded: 1},
		updates[1])
}

func TestConvertWritesScratchArtifact(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)
	scratch := t.TempDir()

	_, err := pipeline.Convert(context.Background(),
		[]tasks.Source{markdownSource("doc.md", sampleMarkdown)},
		nil, scratch, nil)
	assert.Nil(err)

	content, err := os.ReadFile(filepath.Join(scratch, "doc.md.md"))
	assert.Nil(err)
	assert.Equal(sampleMarkdown, string(content))
}

func TestConvertArtifactStaysInScratch(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	// a traversal-shaped filename must not place the artifact outside the
	// scratch directory
	parent := t.TempDir()
	scratch := filepath.Join(parent, "scratch")
	assert.Nil(os.MkdirAll(scratch, 0700))

	_, err := pipeline.Convert(context.Background(),
		[]tasks.Source{markdownSource("../escaped.md", sampleMarkdown)},
		nil, scratch, nil)
	assert.Nil(err)

	content, err := os.ReadFile(filepath.Join(scratch, "escaped.md.md"))
	assert.Nil(err)
	assert.Equal(sampleMarkdown, string(content))
	_, err = os.Stat(filepath.Join(parent, "escaped.md.md"))
	assert.True(os.IsNotExist(err))
}

func TestConvertOutputFormats(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	options := json.RawMessage(`{"to_formats": ["md", "text", "html", "json", "doctags"]}`)
	result, err := pipeline.Convert(context.Background(),
		[]tasks.Source{markdownSource("doc.md", sampleMarkdown)},
		options, t.TempDir(), nil)
	assert.Nil(err)
	assert.Len(result.Documents, 1)

	document := result.Documents[0]
	assert.Equal(sampleMarkdown, document.MdContent)
	assert.NotContains(document.TextContent, "#")
	assert.Contains(document.TextContent, "Title")
	assert.Contains(document.HtmlContent, "<h1>Title</h1>")
	assert.Contains(document.HtmlContent, "<h2>Section One</h2>")
	assert.Contains(document.DoctagsContent, "<title>Title</title>")
	assert.Contains(document.DoctagsContent, "<section_header>Section One</section_header>")

	var decoded struct {
		Filename string   `json:"filename"`
		Texts    []string `json:"texts"`
	}
	assert.Nil(json.Unmarshal(document.JsonContent, &decoded))
	assert.Equal("doc.md", decoded.Filename)
	assert.NotEmpty(decoded.Texts)
}

func TestConvertHtmlFile(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	page := `<html><head><title>ignored</title><style>p{}</style></head>
<body><h1>Heading</h1><p>First paragraph.</p><p>Second paragraph.</p></body></html>`
	result, err := pipeline.Convert(context.Background(),
		[]tasks.Source{markdownSource("page.html", page)},
		nil, t.TempDir(), nil)
	assert.Nil(err)
	assert.Len(result.Documents, 1)

	markdown := result.Documents[0].MdContent
	assert.Contains(markdown, "# Heading")
	assert.Contains(markdown, "First paragraph.")
	assert.NotContains(markdown, "ignored")
	assert.NotContains(markdown, "p{}")
}

func TestConvertUnsupportedFormat(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	// a single unsupported source fails the whole run
	_, err := pipeline.Convert(context.Background(),
		[]tasks.Source{markdownSource("scan.pdf", "%PDF-1.4")},
		nil, t.TempDir(), nil)
	assert.NotNil(err)
	assert.Contains(err.Error(), "unsupported input format")

	// mixed sources succeed partially, reporting the per-document error
	result, err := pipeline.Convert(context.Background(),
		[]tasks.Source{
			markdownSource("good.md", sampleMarkdown),
			markdownSource("scan.pdf", "%PDF-1.4"),
		},
		nil, t.TempDir(), nil)
	assert.Nil(err)
	assert.Len(result.Documents, 1)
	assert.Len(result.Errors, 1)
	assert.Contains(result.Errors[0], "scan.pdf")
}

func TestConvertS3SourceIsUnsupported(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	_, err := pipeline.Convert(context.Background(),
		[]tasks.Source{tasks.S3Source{Endpoint: "s3.example.org", Bucket: "docs"}},
		nil, t.TempDir(), nil)
	assert.NotNil(err)
	assert.Contains(err.Error(), "s3 sources")
}

func TestConvertHttpSourceWithCache(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	numRequests := 0
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			numRequests++
			assert.Equal("Bearer xyz", r.Header.Get("Authorization"))
			w.Write([]byte(sampleMarkdown))
		}))
	defer server.Close()

	source := tasks.HttpSource{
		Url:     server.URL + "/docs/remote.md",
		Headers: map[string]string{"Authorization": "Bearer xyz"},
	}
	result, err := pipeline.Convert(context.Background(),
		[]tasks.Source{source}, nil, t.TempDir(), nil)
	assert.Nil(err)
	assert.Len(result.Documents, 1)
	assert.Equal("remote.md", result.Documents[0].Filename)
	assert.Equal(1, numRequests)

	// the second conversion is served from the warmed cache
	_, err = pipeline.Convert(context.Background(),
		[]tasks.Source{source}, nil, t.TempDir(), nil)
	assert.Nil(err)
	assert.Equal(1, numRequests)

	// clearing converter caches forces a refetch
	pipeline.ClearCaches()
	_, err = pipeline.Convert(context.Background(),
		[]tasks.Source{source}, nil, t.TempDir(), nil)
	assert.Nil(err)
	assert.Equal(2, numRequests)
}

func TestConvertHttpErrorStatus(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such document", http.StatusNotFound)
		}))
	defer server.Close()

	_, err := pipeline.Convert(context.Background(),
		[]tasks.Source{tasks.HttpSource{Url: server.URL + "/missing.md"}},
		nil, t.TempDir(), nil)
	assert.NotNil(err)
	assert.Contains(err.Error(), "404")
}

func TestChunkRespectsHeadings(t *testing.T) {
	assert := assert.New(t)
	pipeline := newTestPipeline(t)

	result, err := pipeline.Chunk(context.Background(),
		[]tasks.Source{markdownSource("doc.md", sampleMarkdown)},
		nil, t.TempDir(), nil)
	assert.Nil(err)
	assert.Len(result.Chunks, 3)

	assert.Equal([]string{"Title"}, result.Chunks[0].Headings)
	assert.Contains(result.Chunks[0].Text, "introductory")
	assert.Equal([]string{"Title", "Section One"}, result.Chunks[1].Headings)
	assert.Equal([]string{"Title", "Section Two"}, result.Chunks[2].Headings)
	for i, chunk := range result.Chunks {
		assert.Equal("doc.md", chunk.Filename)
		assert.Equal(i, chunk.ChunkIndex)
	}
}

func TestChunkMarkdownSizeBound(t *testing.T) {
	assert := assert.New(t)

	// ten 40-character lines, no headings
	long := strings.Repeat(strings.Repeat("word", 10)+"\n", 10)
	chunks := chunkMarkdown("doc.md", long, 120)
	assert.Greater(len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(len(chunk.Text), 120)
		assert.Empty(chunk.Headings)
	}
}

func TestHeadingLevel(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(1, headingLevel("# Title"))
	assert.Equal(3, headingLevel("### Deep"))
	assert.Equal(0, headingLevel("plain text"))
	assert.Equal(0, headingLevel("#hashtag"))
	assert.Equal(0, headingLevel(""))
}

func TestPipelineRegistry(t *testing.T) {
	assert := assert.New(t)

	factory := func() (Pipeline, error) { return nil, nil }
	assert.Nil(RegisterPipeline("registry-test", factory))
	err := RegisterPipeline("registry-test", factory)
	var registered *AlreadyRegisteredError
	assert.ErrorAs(err, &registered)

	_, err = NewPipeline("never-registered")
	var missing *NotRegisteredError
	assert.ErrorAs(err, &missing)
}
