// Package history derives the protected bootimage set from the revision
// history of the installer repository's RHCOS metadata document. Protection
// is history-based: a build referenced by any revision of the document stays
// protected forever, even after later revisions drop it, because clusters
// installed from an old release still boot from its images.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/rhcosmeta"
)

// Revision is one observed revision of the metadata document's history.
type Revision struct {
	// ID is the commit hash.
	ID string
	// When is the commit time, kept for logging only.
	When time.Time
}

// ErrNotPresent is returned by Source.FetchMetadataAt when the tracked
// document does not exist at that revision.
var ErrNotPresent = errors.New("metadata document not present at revision")

// Source yields the revision history of the metadata document. Implemented
// by GitSource; tests substitute an in-memory sequence.
type Source interface {
	// ListRevisions returns every revision that touched the document on
	// the given branch, oldest first.
	ListRevisions(ctx context.Context, branch string) ([]Revision, error)
	// FetchMetadataAt returns the raw document content at a revision, or
	// ErrNotPresent.
	FetchMetadataAt(ctx context.Context, rev Revision) ([]byte, error)
}

// Extract walks the document's history oldest to newest and hands each
// revision's parsed snapshot to fn. Revisions without the document are
// skipped; a revision that is a duplicate of one already processed in this
// pass is skipped; an unparseable document aborts the walk, since a skipped
// revision could under-protect.
func Extract(ctx context.Context, src Source, branch string, fn func(Revision, rhcosmeta.Snapshot) error) error {
	revs, err := src.ListRevisions(ctx, branch)
	if err != nil {
		return fmt.Errorf("unable to list revisions of branch %s: %w", branch, err)
	}
	klog.V(2).Infof("walking %d revisions of branch %s", len(revs), branch)

	seen := sets.New[string]()
	for _, rev := range revs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen.Has(rev.ID) {
			continue
		}
		seen.Insert(rev.ID)

		doc, err := src.FetchMetadataAt(ctx, rev)
		if errors.Is(err, ErrNotPresent) {
			klog.V(4).Infof("revision %s has no metadata document", rev.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("unable to fetch metadata at revision %s: %w", rev.ID, err)
		}

		snap, err := rhcosmeta.Parse(doc)
		if err != nil {
			return fmt.Errorf("revision %s: %w", rev.ID, err)
		}
		if err := fn(rev, snap); err != nil {
			return err
		}
	}
	return nil
}

// ProtectedSet is the accumulated set of build identifiers ever declared by
// the metadata history, with the union of images observed per build.
// Read-only once built.
type ProtectedSet struct {
	ids    sets.Set[string]
	images map[string]map[string]string
}

// BuildProtectedSet folds the whole metadata history into one protected set.
func BuildProtectedSet(ctx context.Context, src Source, branch string) (*ProtectedSet, error) {
	p := &ProtectedSet{
		ids:    sets.New[string](),
		images: map[string]map[string]string{},
	}
	err := Extract(ctx, src, branch, func(rev Revision, snap rhcosmeta.Snapshot) error {
		for build, regions := range snap.Builds {
			if !p.ids.Has(build) {
				klog.V(2).Infof("revision %s protects build %s", rev.ID, build)
			}
			p.ids.Insert(build)
			if p.images[build] == nil {
				p.images[build] = map[string]string{}
			}
			for region, image := range regions {
				p.images[build][region] = image
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("protected set contains %d builds from branch %s", p.Len(), branch)
	return p, nil
}

// Has reports whether the build identifier is protected.
func (p *ProtectedSet) Has(build string) bool {
	return p.ids.Has(build)
}

// Len returns the number of protected builds.
func (p *ProtectedSet) Len() int {
	return p.ids.Len()
}

// Builds returns the protected build identifiers in sorted order.
func (p *ProtectedSet) Builds() []string {
	return sets.List(p.ids)
}

// Images returns the union of region -> image identifier pairs ever declared
// for a protected build, or nil for an unprotected one.
func (p *ProtectedSet) Images(build string) map[string]string {
	return p.images[build]
}
