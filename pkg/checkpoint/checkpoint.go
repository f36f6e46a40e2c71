// Package checkpoint persists per-build reconciliation progress so an
// interrupted or repeated run resumes instead of redoing (or worse,
// re-deleting) work. The store is a JSON file mapping build identifier to an
// entry; unknown fields in existing entries survive a load/update cycle so
// newer tool versions can extend the schema without older runs erasing it.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Step markers recorded per (region, image) pair. The prune path advances
// tag-applied -> made-private -> deleted; the keep path ends at tag-applied.
const (
	StepTagApplied  = "tag-applied"
	StepMadePrivate = "made-private"
	StepDeleted     = "deleted"
	// StepNeedsReview marks a pair whose build could not be classified;
	// it is never mutated remotely.
	StepNeedsReview = "needs-review"

	simulatedPrefix = "simulated:"
	failedPrefix    = "failed:"
)

// Simulated wraps a step marker recorded by a dry run. A later real run
// never treats it as completed work.
func Simulated(step string) string {
	return simulatedPrefix + step
}

// IsSimulated reports whether the marker came from a dry run.
func IsSimulated(marker string) bool {
	return strings.HasPrefix(marker, simulatedPrefix)
}

// Failed records why a pair's reconciliation was abandoned.
func Failed(reason string) string {
	return failedPrefix + reason
}

// IsFailed reports whether the marker records an abandoned pair.
func IsFailed(marker string) bool {
	return strings.HasPrefix(marker, failedPrefix)
}

// ImageKey is the map key for one (region, image) pair.
func ImageKey(region, imageID string) string {
	return region + "/" + imageID
}

// Entry is the durable record for one build.
type Entry struct {
	// Disposition is the classification the markers were recorded under.
	Disposition string
	// Images maps ImageKey(region, image) -> step marker.
	Images map[string]string
	// UpdatedAt is the time of the last recorded transition.
	UpdatedAt time.Time

	// extra holds fields this version of the tool does not know about.
	extra map[string]json.RawMessage
}

type entryJSON struct {
	Disposition string            `json:"disposition"`
	Images      map[string]string `json:"images,omitempty"`
	UpdatedAt   time.Time         `json:"lastUpdated"`
}

// MarshalJSON re-emits unknown fields alongside the known schema.
func (e Entry) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	for k, v := range e.extra {
		fields[k] = v
	}
	known, err := json.Marshal(entryJSON{
		Disposition: e.Disposition,
		Images:      e.Images,
		UpdatedAt:   e.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return nil, err
	}
	for k, v := range knownFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON keeps any fields outside the known schema.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var known entryJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	delete(fields, "disposition")
	delete(fields, "images")
	delete(fields, "lastUpdated")

	e.Disposition = known.Disposition
	e.Images = known.Images
	e.UpdatedAt = known.UpdatedAt
	if len(fields) > 0 {
		e.extra = fields
	} else {
		e.extra = nil
	}
	return nil
}

func (e *Entry) clone() *Entry {
	clone := &Entry{
		Disposition: e.Disposition,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Images != nil {
		clone.Images = make(map[string]string, len(e.Images))
		for k, v := range e.Images {
			clone.Images[k] = v
		}
	}
	if e.extra != nil {
		clone.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			clone.extra[k] = v
		}
	}
	return clone
}

// Store is the durable checkpoint file. All access is serialized; each
// update is flushed to disk before it returns.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry
}

// Load reads the store at path. An absent file yields an empty store; an
// unreadable or malformed file is an error the caller must treat as fatal,
// since acting without the record could repeat destructive work.
func Load(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]*Entry{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read checkpoint %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("unable to parse checkpoint %s: %w", path, err)
	}
	klog.Infof("loaded checkpoint %s with %d builds", path, len(s.entries))
	return s, nil
}

// Path returns the on-disk location of the store.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of recorded builds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns a copy of the entry for a build.
func (s *Store) Get(buildID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[buildID]
	if !ok {
		return Entry{}, false
	}
	return *entry.clone(), true
}

// Marker returns the recorded step marker for one (build, region, image)
// triple, or "" when none exists.
func (s *Store) Marker(buildID, region, imageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[buildID]
	if !ok {
		return ""
	}
	return entry.Images[ImageKey(region, imageID)]
}

// Update applies mutate to the build's entry (creating it if needed), stamps
// it, and flushes the file durably before returning.
func (s *Store) Update(buildID string, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[buildID]
	if !ok {
		entry = &Entry{Images: map[string]string{}}
	} else {
		entry = entry.clone()
		if entry.Images == nil {
			entry.Images = map[string]string{}
		}
	}
	mutate(entry)
	entry.UpdatedAt = time.Now().UTC()
	s.entries[buildID] = entry

	return s.flushLocked()
}

// flushLocked writes the whole store to a temporary file and renames it into
// place, so a crash mid-write never leaves a truncated checkpoint.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-")
	if err != nil {
		return fmt.Errorf("unable to write checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("unable to replace checkpoint: %w", err)
	}
	return nil
}
