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

package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sources and targets are tagged variants discriminated by a "kind" field.
// The orchestrator passes sources through to the pipeline untouched; targets
// select how results are delivered.

// a descriptor for one input document
type Source interface {
	Kind() string
}

// a document uploaded inline with the request
type FileSource struct {
	Filename string `json:"filename"`
	Base64   string `json:"base64_string"`
}

func (FileSource) Kind() string { return "file" }

// a document fetched from an HTTP URL
type HttpSource struct {
	Url     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (HttpSource) Kind() string { return "http" }

// a document read from an S3-compatible object store
type S3Source struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	VerifySSL bool   `json:"verify_ssl"`
}

func (S3Source) Kind() string { return "s3" }

// a destination for delivered results
type Target interface {
	TargetKind() string
}

// results returned in the response body
type InBodyTarget struct{}

func (InBodyTarget) TargetKind() string { return "inbody" }

// results returned as a zip archive
type ZipTarget struct{}

func (ZipTarget) TargetKind() string { return "zip" }

// results uploaded to a presigned PUT URL
type PutTarget struct {
	Url string `json:"url"`
}

func (PutTarget) TargetKind() string { return "put" }

// results written to an S3-compatible object store
type S3Target struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	VerifySSL bool   `json:"verify_ssl"`
}

func (S3Target) TargetKind() string { return "s3" }

// this type is used to peek at the discriminator before decoding a variant
type kindEnvelope struct {
	Kind string `json:"kind"`
}

// decodes a single source from its JSON representation, rejecting unknown
// kinds
func UnmarshalSource(data []byte) (Source, error) {
	var envelope kindEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &InvalidRequestError{Message: "source is not a JSON object"}
	}
	switch envelope.Kind {
	case "file":
		var source FileSource
		if err := json.Unmarshal(data, &source); err != nil {
			return nil, &InvalidRequestError{Message: err.Error()}
		}
		if source.Filename == "" || source.Base64 == "" {
			return nil, &InvalidRequestError{
				Message: "file source requires filename and base64_string"}
		}
		// filenames become scratch-directory artifact paths downstream
		if strings.ContainsAny(source.Filename, `/\`) || source.Filename == ".." {
			return nil, &InvalidRequestError{
				Message: "file source filename must not contain path separators"}
		}
		return source, nil
	case "http":
		var source HttpSource
		if err := json.Unmarshal(data, &source); err != nil {
			return nil, &InvalidRequestError{Message: err.Error()}
		}
		if source.Url == "" {
			return nil, &InvalidRequestError{Message: "http source requires a url"}
		}
		return source, nil
	case "s3":
		var source S3Source
		if err := json.Unmarshal(data, &source); err != nil {
			return nil, &InvalidRequestError{Message: err.Error()}
		}
		if source.Endpoint == "" || source.Bucket == "" {
			return nil, &InvalidRequestError{
				Message: "s3 source requires endpoint and bucket"}
		}
		return source, nil
	default:
		return nil, &InvalidRequestError{
			Message: fmt.Sprintf("unknown source kind: %q", envelope.Kind)}
	}
}

// decodes a single target from its JSON representation, rejecting unknown
// kinds
func UnmarshalTarget(data []byte) (Target, error) {
	var envelope kindEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &InvalidRequestError{Message: "target is not a JSON object"}
	}
	switch envelope.Kind {
	case "", "inbody":
		return InBodyTarget{}, nil
	case "zip":
		return ZipTarget{}, nil
	case "put":
		var target PutTarget
		if err := json.Unmarshal(data, &target); err != nil {
			return nil, &InvalidRequestError{Message: err.Error()}
		}
		if target.Url == "" {
			return nil, &InvalidRequestError{Message: "put target requires a url"}
		}
		return target, nil
	case "s3":
		var target S3Target
		if err := json.Unmarshal(data, &target); err != nil {
			return nil, &InvalidRequestError{Message: err.Error()}
		}
		if target.Endpoint == "" || target.Bucket == "" {
			return nil, &InvalidRequestError{
				Message: "s3 target requires endpoint and bucket"}
		}
		return target, nil
	default:
		return nil, &InvalidRequestError{
			Message: fmt.Sprintf("unknown target kind: %q", envelope.Kind)}
	}
}

// a slice of sources that round-trips through JSON with kind discriminators
type SourceList []Source

func (list SourceList) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, len(list))
	for i, source := range list {
		body, err := json.Marshal(source)
		if err != nil {
			return nil, err
		}
		// splice the discriminator into the object
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		fields["kind"] = source.Kind()
		if items[i], err = json.Marshal(fields); err != nil {
			return nil, err
		}
	}
	return json.Marshal(items)
}

func (list *SourceList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	sources := make([]Source, len(items))
	for i, item := range items {
		source, err := UnmarshalSource(item)
		if err != nil {
			return err
		}
		sources[i] = source
	}
	*list = sources
	return nil
}

// a target wrapper that round-trips through JSON with a kind discriminator
type TargetSpec struct {
	Target Target
}

// returns the target's kind, or "inbody" for the zero value
func (spec TargetSpec) Kind() string {
	if spec.Target == nil {
		return "inbody"
	}
	return spec.Target.TargetKind()
}

func (spec TargetSpec) MarshalJSON() ([]byte, error) {
	target := spec.Target
	if target == nil {
		target = InBodyTarget{}
	}
	body, err := json.Marshal(target)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["kind"] = target.TargetKind()
	return json.Marshal(fields)
}

func (spec *TargetSpec) UnmarshalJSON(data []byte) error {
	target, err := UnmarshalTarget(data)
	if err != nil {
		return err
	}
	spec.Target = target
	return nil
}
