package ota

import (
	"fmt"
	"time"
)

// Namespace is the opstate namespace holding the update record.
const Namespace = "ota"

// Store persists the update record. *opstate.Store satisfies it.
type Store interface {
	SetAll(namespace string, values map[string]string) error
	List(namespace string) (map[string]string, error)
}

// Record is the persisted outcome of the most recent update job.
type Record struct {
	JobID     string
	URL       string
	State     State
	Error     string
	UpdatedAt time.Time
}

func (r Record) values() map[string]string {
	return map[string]string{
		"job_id":     r.JobID,
		"url":        r.URL,
		"state":      r.State.String(),
		"error":      r.Error,
		"updated_at": r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// LoadRecord reads the last update record. ok is false when no job has
// ever been recorded.
func LoadRecord(s Store) (rec Record, ok bool, err error) {
	vals, err := s.List(Namespace)
	if err != nil {
		return Record{}, false, fmt.Errorf("load ota record: %w", err)
	}
	state, found := ParseState(vals["state"])
	if !found {
		return Record{}, false, nil
	}
	rec = Record{
		JobID: vals["job_id"],
		URL:   vals["url"],
		State: state,
		Error: vals["error"],
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, vals["updated_at"])
	return rec, true, nil
}

func saveRecord(s Store, rec Record) error {
	if err := s.SetAll(Namespace, rec.values()); err != nil {
		return fmt.Errorf("save ota record: %w", err)
	}
	return nil
}
