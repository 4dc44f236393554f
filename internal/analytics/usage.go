package analytics

import (
	"bytes"
	"encoding/json"
	"io"
)

// maxLineBytes caps the pending-line buffer. An event line longer than this
// is discarded rather than grown, since usage chunks are small.
const maxLineBytes = 64 * 1024

// Usage is the token accounting parsed from a completion stream.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// usageChunk matches the completion-API event that carries token usage.
type usageChunk struct {
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// UsageScanner wraps the relayed body stream and watches it for an
// event-stream chunk carrying a usage object. It is a pass-through reader:
// the relayed bytes are returned unmodified, and scanning never fails the
// read. Event lines may be split across reads; the scanner reassembles them.
//
// UsageScanner is not safe for concurrent use; the relay loop is its only
// reader.
type UsageScanner struct {
	r       io.Reader
	pending bytes.Buffer
	usage   Usage
	found   bool
}

// NewUsageScanner wraps r.
func NewUsageScanner(r io.Reader) *UsageScanner {
	return &UsageScanner{r: r}
}

// Read passes through to the wrapped reader and scans whatever was read.
func (s *UsageScanner) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.scan(p[:n])
	}
	return n, err
}

// Usage returns the parsed token usage and whether one was found. When the
// stream carries several usage chunks the last one wins.
func (s *UsageScanner) Usage() (Usage, bool) {
	return s.usage, s.found
}

// scan appends data to the pending buffer and processes each completed line.
func (s *UsageScanner) scan(data []byte) {
	s.pending.Write(data)
	for {
		line, rest, ok := bytes.Cut(s.pending.Bytes(), []byte("\n"))
		if !ok {
			break
		}
		s.scanLine(line)
		remainder := append([]byte(nil), rest...)
		s.pending.Reset()
		s.pending.Write(remainder)
	}
	if s.pending.Len() > maxLineBytes {
		s.pending.Reset()
	}
}

// scanLine parses one event line. Lines that are not JSON usage chunks are
// ignored; parse failures are swallowed.
func (s *UsageScanner) scanLine(line []byte) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimPrefix(line, []byte("data:"))
	line = bytes.TrimSpace(line)

	if len(line) == 0 || line[0] != '{' || !bytes.Contains(line, []byte(`"usage"`)) {
		return
	}

	var chunk usageChunk
	if err := json.Unmarshal(line, &chunk); err != nil || chunk.Usage == nil {
		return
	}

	s.usage = Usage{
		Model:            chunk.Model,
		PromptTokens:     chunk.Usage.PromptTokens,
		CompletionTokens: chunk.Usage.CompletionTokens,
		TotalTokens:      chunk.Usage.TotalTokens,
	}
	s.found = true
}
