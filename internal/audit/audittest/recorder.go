// Package audittest provides an in-memory audit.Recorder for tests.
package audittest

import (
	"sync"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
)

// Record is one captured call.
type Record struct {
	Category string
	Event    string
	Severity audit.Severity
	Data     map[string]any
}

// Recorder captures records in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(category, event string, severity audit.Severity, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{
		Category: category,
		Event:    event,
		Severity: severity,
		Data:     audit.Redact(data),
	})
}

// All returns a copy of every record.
func (r *Recorder) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Events returns the records with the given event name.
func (r *Recorder) Events(event string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Record
	for _, rec := range r.records {
		if rec.Event == event {
			out = append(out, rec)
		}
	}
	return out
}

// BySeverity returns the records of one severity.
func (r *Recorder) BySeverity(severity audit.Severity) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Record
	for _, rec := range r.records {
		if rec.Severity == severity {
			out = append(out, rec)
		}
	}
	return out
}

// Reset forgets every record.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}
