// Package logger persists training metrics. The trainer hands it merged
// metric mappings and decides when buffered records are flushed.
package logger

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Logger receives metrics from the training loop.
type Logger interface {
	LogMetrics(metrics map[string]float64, step int) error
	// Save flushes buffered records.
	Save() error
	// Finalize flushes and closes the logger; status is "success",
	// "failed" or "interrupted".
	Finalize(status string) error
}

// Record is one decoded line of a JSONLines log.
type Record struct {
	RunID   string
	Step    int
	Time    time.Time
	Metrics map[string]float64
	Status  string
}

// JSONLines writes one protojson-encoded record per line. Records are
// buffered in memory until Save.
type JSONLines struct {
	path  string
	runID string

	mu      sync.Mutex
	pending [][]byte
	closed  bool
}

// NewJSONLines returns a logger appending to path under a fresh run id.
func NewJSONLines(path string) (*JSONLines, error) {
	if path == "" {
		return nil, errors.New("logger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "logger: create log dir")
	}
	return &JSONLines{path: path, runID: uuid.NewString()}, nil
}

// RunID identifies the records of this run.
func (l *JSONLines) RunID() string { return l.runID }

// Path returns the file records are appended to.
func (l *JSONLines) Path() string { return l.path }

// LogMetrics implements Logger.
func (l *JSONLines) LogMetrics(metrics map[string]float64, step int) error {
	fields := make(map[string]any, len(metrics))
	for k, v := range metrics {
		fields[k] = v
	}
	return l.append(map[string]any{"metrics": fields}, step)
}

func (l *JSONLines) append(fields map[string]any, step int) error {
	fields["run_id"] = l.runID
	fields["step"] = step
	fields["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.Wrap(err, "logger: encode record")
	}
	line, err := protojson.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "logger: marshal record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("logger: already finalized")
	}
	l.pending = append(l.pending, line)
	return nil
}

// Save implements Logger.
func (l *JSONLines) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *JSONLines) flushLocked() error {
	if len(l.pending) == 0 {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "logger: open log")
	}
	w := bufio.NewWriter(f)
	for _, line := range l.pending {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "logger: write log")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "logger: close log")
	}
	l.pending = l.pending[:0]
	return nil
}

// Finalize implements Logger.
func (l *JSONLines) Finalize(status string) error {
	if err := l.append(map[string]any{"status": status}, -1); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.flushLocked()
}

// ReadRecords decodes every record of a JSONLines log.
func ReadRecords(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "logger: read log")
	}
	var out []Record
	for i, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var s structpb.Struct
		if err := protojson.Unmarshal(line, &s); err != nil {
			return nil, errors.Wrapf(err, "logger: line %d", i+1)
		}
		out = append(out, decode(s.AsMap()))
	}
	return out, nil
}

func decode(m map[string]any) Record {
	r := Record{Metrics: map[string]float64{}}
	r.RunID, _ = m["run_id"].(string)
	r.Status, _ = m["status"].(string)
	if step, ok := m["step"].(float64); ok {
		r.Step = int(step)
	}
	if ts, ok := m["time"].(string); ok {
		r.Time, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if metrics, ok := m["metrics"].(map[string]any); ok {
		for k, v := range metrics {
			if f, ok := v.(float64); ok {
				r.Metrics[k] = f
			}
		}
	}
	return r
}

// Nop discards everything.
type Nop struct{}

func (Nop) LogMetrics(map[string]float64, int) error { return nil }
func (Nop) Save() error                              { return nil }
func (Nop) Finalize(string) error                    { return nil }
