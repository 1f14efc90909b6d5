package fhir

import (
	"bufio"
	"encoding/json"
	"io"
)

// NDJSONWriter writes resources in NDJSON (Newline Delimited JSON) format.
// Each resource is serialised as a single JSON line followed by a newline
// character, which is the format required by the FHIR Bulk Data Access
// specification.
type NDJSONWriter struct {
	w *bufio.Writer
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteResource serialises resource as a single JSON line followed by a
// newline character.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	return nil
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// NDJSONReader reads one resource per line from an NDJSON stream without
// materialising the whole stream in memory. Bulk export output files can run
// to hundreds of megabytes, so the reader stays bound to the open stream and
// yields lines one at a time.
type NDJSONReader struct {
	scanner *bufio.Scanner
	bytes   int64
}

// NewNDJSONReader creates a reader over r. Lines up to 16 MiB are accepted;
// a single FHIR resource larger than that is malformed for our purposes.
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &NDJSONReader{scanner: scanner}
}

// Next returns the next non-empty line as a raw JSON document. It returns
// io.EOF when the stream is exhausted. The returned bytes are a copy and
// remain valid after subsequent calls.
func (n *NDJSONReader) Next() (json.RawMessage, error) {
	for n.scanner.Scan() {
		line := n.scanner.Bytes()
		n.bytes += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := n.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// BytesRead reports the number of bytes consumed so far, newlines included.
func (n *NDJSONReader) BytesRead() int64 {
	return n.bytes
}
