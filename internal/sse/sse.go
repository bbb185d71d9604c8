// Package sse reads and writes text/event-stream frames.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// maxLine bounds a single line of the stream.
const maxLine = 1 << 20

// Frame is one dispatched event.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds, 0 when absent
}

// Decoder reads frames from an event stream. Comment lines are skipped.
type Decoder struct {
	scanner *bufio.Scanner
	lastID  string
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLine)
	return &Decoder{scanner: s}
}

// Next returns the next frame with data. The last seen id carries over to
// later frames. It returns io.EOF when the stream ends cleanly; a partial
// frame at EOF is discarded.
func (d *Decoder) Next() (Frame, error) {
	var (
		f       = Frame{ID: d.lastID}
		data    []string
		hasData bool
	)
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")

		if line == "" {
			if hasData {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			f = Frame{ID: f.ID}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			f.Event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				f.ID = value
				d.lastID = value
			}
		case "retry":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				f.Retry = n
			}
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// Write encodes f onto w. Multi-line data is split across data lines.
func Write(w io.Writer, f Frame) error {
	var b strings.Builder
	if f.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Event)
	}
	if f.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", f.Retry)
	}
	for _, line := range strings.Split(f.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteComment writes a comment line, used as a keep-alive.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
