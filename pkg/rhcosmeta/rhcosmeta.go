// Package rhcosmeta parses the RHCOS bootimage metadata document tracked in
// the installer repository. The document's schema changed over the life of
// the repository; both known shapes are supported and anything else is
// escalated as unsupported rather than skipped, since silently skipping a
// revision could leave a shipped bootimage unprotected.
package rhcosmeta

import (
	"encoding/json"
	"fmt"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/defaults"
)

// Snapshot is the Aliyun bootimage content of the metadata document at one
// revision: every build identifier it declares, with the image uploaded per
// region. A snapshot with no builds is valid; releases predating Aliyun
// support simply have no aliyun section.
type Snapshot struct {
	// Builds maps build identifier -> region -> image identifier.
	Builds map[string]map[string]string
}

// SchemaUnsupportedError reports a metadata document whose shape is neither
// of the known schemas. Callers must treat it as fatal.
type SchemaUnsupportedError struct {
	Reason string
}

func (e *SchemaUnsupportedError) Error() string {
	return fmt.Sprintf("unsupported bootimage metadata schema: %s", e.Reason)
}

// streamDoc is the stream-metadata shape used by current installer branches.
type streamDoc struct {
	Architectures map[string]struct {
		Artifacts map[string]struct {
			Release string `json:"release"`
		} `json:"artifacts"`
		Images map[string]struct {
			Regions map[string]struct {
				Release string `json:"release"`
				Image   string `json:"image"`
			} `json:"regions"`
		} `json:"images"`
	} `json:"architectures"`
}

// legacyDoc is the flat meta.json-like shape older branches carried. Aliyun
// entries never shipped in this shape on most branches, so parsing it
// usually yields an empty snapshot.
type legacyDoc struct {
	BuildID string `json:"buildid"`
	Aliyun  []struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"aliyun"`
}

// Parse extracts the Aliyun build/image declarations from one revision of
// the metadata document.
func Parse(doc []byte) (Snapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(doc, &probe); err != nil {
		return Snapshot{}, &SchemaUnsupportedError{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}

	if _, ok := probe["architectures"]; ok {
		return parseStream(doc)
	}
	if _, ok := probe["buildid"]; ok {
		return parseLegacy(doc)
	}
	return Snapshot{}, &SchemaUnsupportedError{Reason: "document has neither an architectures nor a buildid key"}
}

func parseStream(doc []byte) (Snapshot, error) {
	var parsed streamDoc
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return Snapshot{}, &SchemaUnsupportedError{Reason: fmt.Sprintf("malformed stream document: %v", err)}
	}

	snap := Snapshot{Builds: map[string]map[string]string{}}
	arch, ok := parsed.Architectures[defaults.Arch]
	if !ok {
		return snap, nil
	}
	images, ok := arch.Images["aliyun"]
	if !ok {
		return snap, nil
	}

	// The build identifier lives in the artifacts section; older stream
	// documents carry it per region instead.
	release := arch.Artifacts["aliyun"].Release
	for region, entry := range images.Regions {
		build := release
		if build == "" {
			build = entry.Release
		}
		if build == "" || entry.Image == "" {
			continue
		}
		if snap.Builds[build] == nil {
			snap.Builds[build] = map[string]string{}
		}
		snap.Builds[build][region] = entry.Image
	}
	return snap, nil
}

func parseLegacy(doc []byte) (Snapshot, error) {
	var parsed legacyDoc
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return Snapshot{}, &SchemaUnsupportedError{Reason: fmt.Sprintf("malformed legacy document: %v", err)}
	}

	snap := Snapshot{Builds: map[string]map[string]string{}}
	if parsed.BuildID == "" || len(parsed.Aliyun) == 0 {
		return snap, nil
	}
	regions := map[string]string{}
	for _, entry := range parsed.Aliyun {
		if entry.Name == "" || entry.ID == "" {
			continue
		}
		regions[entry.Name] = entry.ID
	}
	if len(regions) > 0 {
		snap.Builds[parsed.BuildID] = regions
	}
	return snap, nil
}
