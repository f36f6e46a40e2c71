// Package classify assigns a disposition to each build in the inventory by
// joining it against the protected set. Classification gates destructive
// action, so it is a pure, stable function of its inputs.
package classify

import (
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/history"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/inventory"
)

// Disposition is the lifecycle decision for one build's images.
type Disposition string

const (
	// Keep marks a build whose identifier appears anywhere in the
	// metadata history. Its images are tagged bootimage:true and never
	// deleted.
	Keep Disposition = "keep"
	// Prune marks a build with verified images and no history record. Its
	// images are tagged bootimage:false, made private if needed, and
	// deleted.
	Prune Disposition = "prune"
	// Unknown marks a build whose image presence could not be verified.
	// Ambiguous evidence never leads to deletion; the build is left for
	// operator review.
	Unknown Disposition = "unknown"
)

// Classify assigns a disposition to one build record.
//
// Unverified inventory data overrides everything, including protection: a
// build we cannot describe is a build we do not touch.
func Classify(record inventory.BuildRecord, protected *history.ProtectedSet) Disposition {
	if !record.Verified {
		return Unknown
	}
	if protected.Has(record.ID) {
		return Keep
	}
	return Prune
}
