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

// API keys are fernet tokens minted from the service secret. Verification is
// purely local: any token signed with the configured key is accepted, so
// keys can be handed out without a round trip to an identity provider.
package auth

import (
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"

	"github.com/docserve/docserve/config"
)

// indicates that a request carried no usable API key
type UnauthorizedError struct {
	Message string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("Not authorized: %s", e.Message)
}

// Authorize checks the Authorization header of an incoming request. When no
// secret is configured, authentication is disabled (e.g. behind a trusted
// proxy) and every request passes.
func Authorize(header string) error {
	if config.Service.Secret == "" {
		return nil
	}
	if header == "" {
		return &UnauthorizedError{Message: "no Authorization header was given"}
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return &UnauthorizedError{Message: "the Authorization header is not a bearer token"}
	}

	keys, err := fernet.DecodeKeys(config.Service.Secret)
	if err != nil {
		return &UnauthorizedError{Message: "the configured service secret is not a fernet key"}
	}
	// API keys don't expire on their own; they are revoked by rotating the
	// service secret
	if fernet.VerifyAndDecrypt([]byte(strings.TrimSpace(token)), 0, keys) == nil {
		return &UnauthorizedError{Message: "invalid API key"}
	}
	return nil
}

// NewApiKey mints an API key for the given client name using the configured
// service secret. Used by operators (and tests) to issue keys.
func NewApiKey(clientName string) (string, error) {
	keys, err := fernet.DecodeKeys(config.Service.Secret)
	if err != nil {
		return "", fmt.Errorf("decoding service secret: %s", err.Error())
	}
	token, err := fernet.EncryptAndSign([]byte(clientName), keys[0])
	if err != nil {
		return "", fmt.Errorf("signing API key: %s", err.Error())
	}
	return string(token), nil
}
