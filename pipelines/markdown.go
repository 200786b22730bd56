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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/docserve/docserve/tasks"
)

// the built-in provider handles text-native formats only
const maxDocumentSize = 64 << 20 // 64 MiB

// This type is the built-in "markdown" pipeline provider: a pure-Go converter
// for text-native inputs (markdown, plain text, HTML). It exists so the
// service is usable out of the box; heavyweight providers (OCR, PDF layout
// analysis) register under their own names and replace it in configuration.
type markdownPipeline struct {
	client *http.Client

	cacheMutex sync.Mutex
	fetchCache map[string][]byte // warmed http sources, keyed by URL
}

// NewMarkdownPipeline is the factory registered for the built-in provider.
func NewMarkdownPipeline() (Pipeline, error) {
	return &markdownPipeline{
		client:     &http.Client{Timeout: 1 * time.Minute},
		fetchCache: make(map[string][]byte),
	}, nil
}

// the subset of pipeline options the built-in provider honors
type markdownOptions struct {
	ToFormats []string `json:"to_formats"` // md, text, html, json, doctags
	ChunkSize int      `json:"chunk_size"` // max characters per chunk
}

func parseMarkdownOptions(options json.RawMessage) markdownOptions {
	opts := markdownOptions{
		ToFormats: []string{"md"},
		ChunkSize: 4000,
	}
	if len(options) > 0 {
		var parsed markdownOptions
		if err := json.Unmarshal(options, &parsed); err == nil {
			if len(parsed.ToFormats) > 0 {
				opts.ToFormats = parsed.ToFormats
			}
			if parsed.ChunkSize > 0 {
				opts.ChunkSize = parsed.ChunkSize
			}
		}
	}
	return opts
}

func (p *markdownPipeline) Convert(ctx context.Context, sources []tasks.Source,
	options json.RawMessage, scratchDir string, progress ProgressFunc) (*Result, error) {

	started := time.Now()
	opts := parseMarkdownOptions(options)
	if progress != nil {
		progress(ProgressSetNumDocs{NumDocs: len(sources)})
	}

	result := &Result{}
	succeeded, failed := 0, 0
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		document, err := p.convertOne(ctx, source, opts, scratchDir)
		if err != nil {
			failed++
			result.Errors = append(result.Errors, err.Error())
		} else {
			succeeded++
			result.Documents = append(result.Documents, document)
		}
		if progress != nil {
			progress(ProgressUpdateProcessed{
				NumProcessed: succeeded + failed,
				NumSucceeded: succeeded,
				NumFailed:    failed,
			})
		}
	}
	result.ProcessingTime = time.Since(started).Seconds()
	if succeeded == 0 && failed > 0 {
		return nil, fmt.Errorf("all %d source(s) failed to convert: %s",
			failed, strings.Join(result.Errors, "; "))
	}
	return result, nil
}

func (p *markdownPipeline) Chunk(ctx context.Context, sources []tasks.Source,
	options json.RawMessage, scratchDir string, progress ProgressFunc) (*Result, error) {

	result, err := p.Convert(ctx, sources, options, scratchDir, progress)
	if err != nil {
		return nil, err
	}
	opts := parseMarkdownOptions(options)
	for _, document := range result.Documents {
		result.Chunks = append(result.Chunks,
			chunkMarkdown(document.Filename, document.MdContent, opts.ChunkSize)...)
	}
	return result, nil
}

func (p *markdownPipeline) WarmUp() error {
	return nil // nothing to warm; models live in external providers
}

func (p *markdownPipeline) ClearCaches() {
	p.cacheMutex.Lock()
	defer p.cacheMutex.Unlock()
	p.fetchCache = make(map[string][]byte)
}

//-----------
// Internals
//-----------

func (p *markdownPipeline) convertOne(ctx context.Context, source tasks.Source,
	opts markdownOptions, scratchDir string) (Document, error) {

	filename, content, err := p.fetch(ctx, source)
	if err != nil {
		return Document{}, err
	}

	// derive the canonical markdown rendition from the input format
	var markdown string
	switch strings.ToLower(path.Ext(filename)) {
	case ".html", ".htm":
		markdown, err = htmlToMarkdown(string(content))
		if err != nil {
			return Document{}, fmt.Errorf("%s: parsing html: %s", filename, err.Error())
		}
	case ".md", ".markdown", ".txt", "":
		markdown = string(content)
	default:
		return Document{}, fmt.Errorf(
			"%s: unsupported input format for the built-in markdown provider", filename)
	}

	document := Document{Filename: filename}
	for _, format := range opts.ToFormats {
		switch format {
		case "md":
			document.MdContent = markdown
		case "text":
			document.TextContent = markdownToText(markdown)
		case "html":
			document.HtmlContent = markdownToHtml(markdown)
		case "json":
			encoded, _ := json.Marshal(map[string]any{
				"filename": filename,
				"texts":    strings.Split(markdownToText(markdown), "\n"),
			})
			document.JsonContent = encoded
		case "doctags":
			document.DoctagsContent = markdownToDoctags(markdown)
		}
	}

	if scratchDir != "" {
		// keep the markdown rendition around for zip-target packaging; the
		// filename is client-controlled, so only its base name reaches the path
		artifact := filepath.Join(scratchDir, filepath.Base(filename)+".md")
		if err := os.WriteFile(artifact, []byte(markdown), 0600); err != nil {
			return Document{}, fmt.Errorf("%s: writing artifact: %s", filename, err.Error())
		}
	}
	return document, nil
}

func (p *markdownPipeline) fetch(ctx context.Context, source tasks.Source) (string, []byte, error) {
	switch s := source.(type) {
	case tasks.FileSource:
		content, err := base64.StdEncoding.DecodeString(s.Base64)
		if err != nil {
			return "", nil, fmt.Errorf("%s: decoding base64 content: %s",
				s.Filename, err.Error())
		}
		return s.Filename, content, nil
	case tasks.HttpSource:
		content, err := p.fetchUrl(ctx, s.Url, s.Headers)
		if err != nil {
			return "", nil, err
		}
		parsed, err := url.Parse(s.Url)
		if err != nil {
			return "", nil, fmt.Errorf("parsing source url %s: %s", s.Url, err.Error())
		}
		filename := path.Base(parsed.Path)
		if filename == "/" || filename == "." {
			filename = "document"
		}
		return filename, content, nil
	default:
		return "", nil, fmt.Errorf(
			"the built-in markdown provider does not support %s sources", source.Kind())
	}
}

func (p *markdownPipeline) fetchUrl(ctx context.Context, sourceUrl string,
	headers map[string]string) ([]byte, error) {

	p.cacheMutex.Lock()
	cached, found := p.fetchCache[sourceUrl]
	p.cacheMutex.Unlock()
	if found {
		return cached, nil
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %s", sourceUrl, err.Error())
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	response, err := p.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %s", sourceUrl, err.Error())
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: %s", sourceUrl, response.Status)
	}
	content, err := io.ReadAll(io.LimitReader(response.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %s", sourceUrl, err.Error())
	}

	p.cacheMutex.Lock()
	p.fetchCache[sourceUrl] = content
	p.cacheMutex.Unlock()
	return content, nil
}

// renders an HTML document as markdown, preserving heading structure
func htmlToMarkdown(content string) (string, error) {
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "script", "style", "head":
				return
			case "h1", "h2", "h3", "h4", "h5", "h6":
				builder.WriteString("\n")
				builder.WriteString(strings.Repeat("#", int(node.Data[1]-'0')))
				builder.WriteString(" ")
			case "p", "div", "li", "tr", "br":
				builder.WriteString("\n")
			}
		}
		if node.Type == html.TextNode {
			builder.WriteString(strings.TrimSpace(node.Data))
			builder.WriteString(" ")
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return strings.TrimSpace(builder.String()), nil
}

// strips markdown heading markers, yielding plain text
func markdownToText(markdown string) string {
	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimLeft(line, "# ")
	}
	return strings.Join(lines, "\n")
}

// wraps markdown in a minimal HTML shell, escaping the content
func markdownToHtml(markdown string) string {
	var builder strings.Builder
	builder.WriteString("<html><body>\n")
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if level := headingLevel(trimmed); level > 0 {
			text := html.EscapeString(strings.TrimLeft(trimmed, "# "))
			builder.WriteString(fmt.Sprintf("<h%d>%s</h%d>\n", level, text, level))
		} else {
			builder.WriteString("<p>" + html.EscapeString(trimmed) + "</p>\n")
		}
	}
	builder.WriteString("</body></html>")
	return builder.String()
}

// renders markdown as a flat doctags sequence (title/section_header/text)
func markdownToDoctags(markdown string) string {
	var builder strings.Builder
	builder.WriteString("<doctag>")
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		text := strings.TrimLeft(trimmed, "# ")
		switch headingLevel(trimmed) {
		case 0:
			builder.WriteString("<text>" + text + "</text>")
		case 1:
			builder.WriteString("<title>" + text + "</title>")
		default:
			builder.WriteString("<section_header>" + text + "</section_header>")
		}
	}
	builder.WriteString("</doctag>")
	return builder.String()
}

func headingLevel(line string) int {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level >= len(line) || line[level] != ' ' {
		return 0
	}
	return level
}

// Splits a markdown document into chunks bounded by maxSize characters,
// breaking preferentially at headings and tracking the heading path each
// chunk falls under.
func chunkMarkdown(filename, markdown string, maxSize int) []Chunk {
	var chunks []Chunk
	var headings []string
	var current strings.Builder

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			return
		}
		chunks = append(chunks, Chunk{
			Filename:   filename,
			ChunkIndex: len(chunks),
			Text:       text,
			Headings:   append([]string(nil), headings...),
		})
	}

	for _, line := range strings.Split(markdown, "\n") {
		if level := headingLevel(strings.TrimSpace(line)); level > 0 {
			flush()
			if level <= len(headings) {
				headings = headings[:level-1]
			}
			headings = append(headings, strings.TrimLeft(strings.TrimSpace(line), "# "))
			continue
		}
		if current.Len()+len(line)+1 > maxSize {
			flush()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()
	return chunks
}
