package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadAbsentFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "checkpoint.json"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d entries", s.Len())
	}
}

func TestLoadMalformedFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed checkpoint")
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Update("b1", func(e *Entry) {
		e.Disposition = "prune"
		e.Images[ImageKey("us-east-1", "m-0xa")] = StepTagApplied
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Update("b1", func(e *Entry) {
		e.Images[ImageKey("us-east-1", "m-0xa")] = StepDeleted
	})
	if err != nil {
		t.Fatal(err)
	}

	// Every update is flushed; a fresh load sees the last transition.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := reloaded.Get("b1")
	if !ok {
		t.Fatal("entry missing after reload")
	}
	if entry.Disposition != "prune" {
		t.Errorf("unexpected disposition %q", entry.Disposition)
	}
	if got := reloaded.Marker("b1", "us-east-1", "m-0xa"); got != StepDeleted {
		t.Errorf("expected %s, got %q", StepDeleted, got)
	}
	if entry.UpdatedAt.IsZero() {
		t.Error("entry was not stamped")
	}
}

func TestUnknownFieldsSurviveUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	seed := []byte(`{
		"b1": {
			"disposition": "keep",
			"images": {"us-east-1/m-0xa": "tag-applied"},
			"lastUpdated": "2026-01-05T10:00:00Z",
			"operator": "someone@example.com",
			"annotations": {"ticket": "ART-1234"}
		}
	}`)
	if err := os.WriteFile(path, seed, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Update("b1", func(e *Entry) {
		e.Images[ImageKey("eu-central-1", "m-0xb")] = StepTagApplied
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["b1"]["operator"]) != `"someone@example.com"` {
		t.Errorf("unknown string field dropped: %s", raw["b1"]["operator"])
	}
	if _, ok := raw["b1"]["annotations"]; !ok {
		t.Error("unknown object field dropped")
	}

	expectedImages := map[string]string{
		"us-east-1/m-0xa":    StepTagApplied,
		"eu-central-1/m-0xb": StepTagApplied,
	}
	entry, _ := s.Get("b1")
	if !reflect.DeepEqual(entry.Images, expectedImages) {
		t.Errorf("unexpected images: %s", cmp.Diff(expectedImages, entry.Images))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "checkpoint.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update("b1", func(e *Entry) {
		e.Disposition = "keep"
		e.Images["us-east-1/m-0xa"] = StepTagApplied
	}); err != nil {
		t.Fatal(err)
	}

	entry, _ := s.Get("b1")
	entry.Images["us-east-1/m-0xa"] = "tampered"

	if got := s.Marker("b1", "us-east-1", "m-0xa"); got != StepTagApplied {
		t.Errorf("mutating a returned entry leaked into the store: %q", got)
	}
}

func TestMarkerHelpers(t *testing.T) {
	if !IsSimulated(Simulated(StepDeleted)) {
		t.Error("Simulated marker not recognized")
	}
	if IsSimulated(StepDeleted) {
		t.Error("real marker misread as simulated")
	}
	if !IsFailed(Failed("Forbidden.RAM")) {
		t.Error("Failed marker not recognized")
	}
	if IsFailed(StepTagApplied) {
		t.Error("step marker misread as failed")
	}
}
