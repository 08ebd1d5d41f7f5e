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
	"bytes"
	"errors"
	"io"
)

// DefaultMaxHeadBytes bounds how many bytes a client may send before the
// blank line that terminates the request head.
const DefaultMaxHeadBytes = 64 * 1024

// ErrHeadTooLarge is returned when the accumulated bytes exceed the
// scanner's limit without a complete request head. Compare with [errors.Is].
var ErrHeadTooLarge = errors.New("request head exceeds size limit")

var headTerminator = []byte("\r\n\r\n")

// Scanner accumulates bytes received for one connection and finds the end of
// the HTTP request head, i.e. the offset one past the CRLF-CRLF terminator.
//
// Data may be written in arbitrary fragments. Scanning resumes from where the
// previous call stopped, rewinding just enough to catch a terminator that
// straddles two writes, so large heads are not rescanned from offset zero on
// every read.
type Scanner struct {
	data    []byte
	scanned int // no terminator starts before data[scanned]
	end     int // offset one past the terminator, or -1 while incomplete
	limit   int
}

var _ io.Writer = (*Scanner)(nil)

// NewScanner creates a Scanner that fails once limit bytes have accumulated
// without a complete head. A non-positive limit means [DefaultMaxHeadBytes].
func NewScanner(limit int) *Scanner {
	if limit <= 0 {
		limit = DefaultMaxHeadBytes
	}
	return &Scanner{end: -1, limit: limit}
}

// Write appends p to the buffer and scans for the head terminator.
// It returns [ErrHeadTooLarge] if the buffer grows past the limit while the
// head is still incomplete. Write implements [io.Writer].
func (s *Scanner) Write(p []byte) (int, error) {
	s.data = append(s.data, p...)
	if s.end < 0 {
		s.scan()
	}
	if s.end < 0 && len(s.data) > s.limit {
		return len(p), ErrHeadTooLarge
	}
	return len(p), nil
}

func (s *Scanner) scan() {
	// Rewind up to three bytes so a terminator split across writes
	// (e.g. "...\r" then "\n\r\n") is still found.
	start := s.scanned - (len(headTerminator) - 1)
	if start < 0 {
		start = 0
	}
	if i := bytes.Index(s.data[start:], headTerminator); i >= 0 {
		s.end = start + i + len(headTerminator)
	}
	s.scanned = len(s.data)
}

// End returns the offset one past the head terminator, or -1 if the head is
// still incomplete and more bytes are needed.
func (s *Scanner) End() int {
	return s.end
}

// Head returns the bytes of the complete request head, including the
// terminator. It must only be called once End() is non-negative.
func (s *Scanner) Head() []byte {
	return s.data[:s.end]
}

// Rest returns any bytes received past the end of the head, such as a
// pipelined request body. Valid only once End() is non-negative.
func (s *Scanner) Rest() []byte {
	return s.data[s.end:]
}

// Len returns the total number of bytes accumulated so far.
func (s *Scanner) Len() int {
	return len(s.data)
}
