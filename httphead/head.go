// Copyright 2024 The Relaygate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httphead

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is the base error for request heads that cannot be parsed or
// resolved. Compare with [errors.Is].
var ErrMalformed = errors.New("malformed request head")

// Field is one header line. Unlike a map representation, a slice of Fields
// preserves insertion order and retains duplicate names.
type Field struct {
	Name  string
	Value string
}

// Head is a parsed HTTP request head: the request line plus the header
// fields, up to but not including the terminating blank line.
type Head struct {
	Method string
	// Target is the request target exactly as sent: an authority for
	// CONNECT, an absolute URI, or an origin-form path.
	Target string
	Proto  string
	Fields []Field
}

// Parse parses the raw bytes of a complete request head, as delimited by
// [Scanner]. The trailing CRLF-CRLF may be present or already stripped.
func Parse(raw []byte) (*Head, error) {
	text := strings.TrimSuffix(string(raw), "\r\n\r\n")
	lines := strings.Split(text, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty request", ErrMalformed)
	}

	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformed, lines[0])
	}
	h := &Head{Method: parts[0], Target: parts[1], Proto: parts[2]}

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		h.Fields = append(h.Fields, Field{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return h, nil
}

// Get returns the value of the first field with the given name,
// case-insensitively, or "" if the field is absent.
func (h *Head) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// IsConnect reports whether this is a CONNECT request.
func (h *Head) IsConnect() bool {
	return strings.EqualFold(h.Method, "CONNECT")
}
