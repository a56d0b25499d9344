package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// RecordType enumerates the NDJSON record kinds an agent container writes
// to stdout.
type RecordType string

const (
	RecordResult RecordType = "result"
	RecordStatus RecordType = "status"
	RecordTyping RecordType = "typing"
	RecordSession RecordType = "session"
)

// Record is one parsed line of agent container stdout.
type Record struct {
	Type      RecordType `json:"type"`
	Content   string     `json:"text,omitempty"`
	Status    string     `json:"status,omitempty"`
	Error     string     `json:"error,omitempty"`
	Typing    bool       `json:"on,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// decodeStdout streams NDJSON records from r, invoking onRecord for each
// and stopping at EOF or ctx cancellation. Malformed lines are skipped
// with a returned error only if no further progress can be made; a single
// bad line does not abort the stream.
func decodeStdout(ctx context.Context, r io.Reader, onRecord func(Record)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		onRecord(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("container: read stdout: %w", err)
	}
	return nil
}
