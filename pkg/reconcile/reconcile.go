// Package reconcile drives remote image state toward each build's computed
// disposition. Work is an explicit per-(build, region, image) state machine
// rather than a scripted call sequence: every transition is recorded in the
// checkpoint before the next one starts, so a crash or interruption resumes
// instead of restarting, and a finished triple costs zero remote calls on a
// re-run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/checkpoint"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/classify"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/cloud"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/defaults"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/metrics"
)

// Item is one build's reconciliation input: its disposition and every
// (region, image) pair attributed to it.
type Item struct {
	BuildID     string
	Disposition classify.Disposition
	// Images maps region -> image identifier.
	Images map[string]string
}

// Summary is the per-run outcome count reported to the operator.
type Summary struct {
	// Kept and Pruned count triples fully reconciled in this run.
	Kept   int
	Pruned int
	// Simulated counts triples a dry run would have mutated.
	Simulated int
	// Unknown counts builds left untouched for operator review.
	Unknown int
	// Failed counts triples recorded as failed:<reason>.
	Failed int
	// Skipped counts triples the checkpoint already recorded as complete.
	Skipped int
}

func (s Summary) String() string {
	return fmt.Sprintf("kept=%d pruned=%d simulated=%d unknown=%d failed=%d skipped=%d",
		s.Kept, s.Pruned, s.Simulated, s.Unknown, s.Failed, s.Skipped)
}

// Reconciler executes the state machine over a bounded worker pool.
type Reconciler struct {
	API   cloud.ImageAPI
	Store *checkpoint.Store

	// DryRun logs and records every transition that would occur without
	// issuing any mutating call.
	DryRun bool
	// Workers bounds concurrent triples.
	Workers int
	// Region, when set, restricts reconciliation to one region.
	Region string
	// Backoff bounds retries of each transient remote failure.
	Backoff wait.Backoff
}

// New returns a Reconciler with the default retry policy and fan-out.
func New(api cloud.ImageAPI, store *checkpoint.Store) *Reconciler {
	return &Reconciler{
		API:     api,
		Store:   store,
		Workers: defaults.Workers,
		Backoff: wait.Backoff{
			Duration: defaults.RemoteCallBackoff,
			Factor:   2,
			Steps:    defaults.RemoteCallAttempts,
		},
	}
}

type triple struct {
	buildID     string
	region      string
	imageID     string
	disposition classify.Disposition
}

func (t triple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.buildID, t.region, t.imageID)
}

// Run reconciles every item. Individual triple failures are recorded and
// never abort the run; the only error returned is cancellation.
func (r *Reconciler) Run(ctx context.Context, items []Item) (Summary, error) {
	var mu sync.Mutex
	var summary Summary

	var triples []triple
	for _, item := range items {
		if err := r.Store.Update(item.BuildID, func(e *checkpoint.Entry) {
			e.Disposition = string(item.Disposition)
		}); err != nil {
			return summary, err
		}

		if item.Disposition == classify.Unknown {
			// Ambiguous evidence must never lead to deletion. Leave
			// the build unreconciled and flag it for review.
			klog.Warningf("build %s could not be verified, leaving its images untouched", item.BuildID)
			if err := r.Store.Update(item.BuildID, func(e *checkpoint.Entry) {
				for region, imageID := range item.Images {
					e.Images[checkpoint.ImageKey(region, imageID)] = checkpoint.StepNeedsReview
				}
			}); err != nil {
				return summary, err
			}
			mu.Lock()
			summary.Unknown++
			mu.Unlock()
			continue
		}

		for region, imageID := range item.Images {
			if r.Region != "" && region != r.Region {
				klog.V(2).Infof("skipping %s/%s: outside region %s", item.BuildID, region, r.Region)
				continue
			}
			triples = append(triples, triple{
				buildID:     item.BuildID,
				region:      region,
				imageID:     imageID,
				disposition: item.Disposition,
			})
		}
	}

	workers := r.Workers
	if workers <= 0 {
		workers = defaults.Workers
	}
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range triples {
		t := t
		if err := sem.Acquire(gctx, 1); err != nil {
			// Cancellation: stop issuing new work, let in-flight
			// triples finish.
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcome := r.reconcileTriple(gctx, t)
			mu.Lock()
			switch outcome {
			case outcomeKept:
				summary.Kept++
			case outcomePruned:
				summary.Pruned++
			case outcomeSimulated:
				summary.Simulated++
			case outcomeFailed:
				summary.Failed++
			case outcomeSkipped:
				summary.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

type outcome int

const (
	outcomeKept outcome = iota
	outcomePruned
	outcomeSimulated
	outcomeFailed
	outcomeSkipped
)

// terminalStep is the marker that means a triple needs no further work for
// its disposition.
func terminalStep(d classify.Disposition) string {
	if d == classify.Keep {
		return checkpoint.StepTagApplied
	}
	return checkpoint.StepDeleted
}

func (r *Reconciler) reconcileTriple(ctx context.Context, t triple) outcome {
	marker := r.Store.Marker(t.buildID, t.region, t.imageID)
	// Simulated markers from a dry run never satisfy a real run.
	if marker == terminalStep(t.disposition) && !checkpoint.IsSimulated(marker) {
		klog.V(2).Infof("%s already reconciled (%s)", t, marker)
		metrics.TripleSkipped()
		return outcomeSkipped
	}

	var img cloud.Image
	result := r.call(ctx, func() cloud.Result {
		var res cloud.Result
		img, res = r.API.DescribeImage(ctx, t.region, t.imageID)
		return res
	})
	if !result.Succeeded() {
		return r.fail(t, "describe", result)
	}

	if !img.Exists {
		if t.disposition == classify.Prune {
			// Already absent: the terminal state, however it was
			// reached.
			if err := r.record(t, checkpoint.StepDeleted); err != nil {
				return r.failErr(t, err)
			}
			klog.V(2).Infof("%s already absent", t)
			return outcomePruned
		}
		// A protected image that is gone cannot be repaired here.
		return r.fail(t, "describe", cloud.Result{
			Status:   cloud.Permanent,
			Code:     "ImageMissing",
			NotFound: true,
			Err:      fmt.Errorf("protected image %s does not exist in %s", t.imageID, t.region),
		})
	}

	simulated := false

	// Step 1: tag. Skipped when the remote value already matches.
	want := defaults.BootimageTagKeep
	if t.disposition == classify.Prune {
		want = defaults.BootimageTagPrune
	}
	if img.Tags[defaults.BootimageTagKey] != want {
		if r.DryRun {
			klog.Infof("dry-run: would tag %s with %s=%s", t, defaults.BootimageTagKey, want)
			if err := r.record(t, checkpoint.Simulated(checkpoint.StepTagApplied)); err != nil {
				return r.failErr(t, err)
			}
			simulated = true
		} else {
			result = r.call(ctx, func() cloud.Result {
				return r.API.TagImage(ctx, t.region, t.imageID, defaults.BootimageTagKey, want)
			})
			if !result.Succeeded() {
				return r.fail(t, "tag", result)
			}
			metrics.ImageTagged(want)
			if err := r.record(t, checkpoint.StepTagApplied); err != nil {
				return r.failErr(t, err)
			}
		}
	} else if !r.DryRun {
		if err := r.record(t, checkpoint.StepTagApplied); err != nil {
			return r.failErr(t, err)
		}
	}

	if t.disposition == classify.Keep {
		klog.V(2).Infof("%s kept (%s=%s)", t, defaults.BootimageTagKey, want)
		if simulated {
			return outcomeSimulated
		}
		return outcomeKept
	}

	// Step 2: visibility. Providers reject deleting a public image, so
	// revoke sharing first.
	if img.IsPublic {
		if r.DryRun {
			klog.Infof("dry-run: would make %s private", t)
			if err := r.record(t, checkpoint.Simulated(checkpoint.StepMadePrivate)); err != nil {
				return r.failErr(t, err)
			}
			simulated = true
		} else {
			result = r.call(ctx, func() cloud.Result {
				return r.API.SetImageVisibility(ctx, t.region, t.imageID, false)
			})
			if !result.Succeeded() {
				return r.fail(t, "make-private", result)
			}
			metrics.ImageMadePrivate()
			if err := r.record(t, checkpoint.StepMadePrivate); err != nil {
				return r.failErr(t, err)
			}
		}
	}

	// Step 3: delete.
	if r.DryRun {
		klog.Infof("dry-run: would delete %s", t)
		if err := r.record(t, checkpoint.Simulated(checkpoint.StepDeleted)); err != nil {
			return r.failErr(t, err)
		}
		return outcomeSimulated
	}
	result = r.call(ctx, func() cloud.Result {
		return r.API.DeleteImage(ctx, t.region, t.imageID)
	})
	if !result.Succeeded() {
		return r.fail(t, "delete", result)
	}
	metrics.ImageDeleted()
	if err := r.record(t, checkpoint.StepDeleted); err != nil {
		return r.failErr(t, err)
	}
	klog.Infof("%s pruned", t)
	return outcomePruned
}

func (r *Reconciler) record(t triple, marker string) error {
	return r.Store.Update(t.buildID, func(e *checkpoint.Entry) {
		e.Images[checkpoint.ImageKey(t.region, t.imageID)] = marker
	})
}

func (r *Reconciler) fail(t triple, step string, result cloud.Result) outcome {
	reason := result.Code
	if reason == "" && result.Err != nil {
		reason = result.Err.Error()
	}
	klog.Errorf("%s: %s failed: %v", t, step, result.Err)
	metrics.TripleFailed()
	if err := r.record(t, checkpoint.Failed(step+": "+reason)); err != nil {
		klog.Errorf("%s: unable to record failure: %v", t, err)
	}
	return outcomeFailed
}

func (r *Reconciler) failErr(t triple, err error) outcome {
	klog.Errorf("%s: checkpoint update failed: %v", t, err)
	metrics.TripleFailed()
	return outcomeFailed
}

var errPermanent = errors.New("permanent remote failure")

// call runs one remote call, retrying transient failures with bounded
// exponential backoff. The returned result is the last attempt's.
func (r *Reconciler) call(ctx context.Context, fn func() cloud.Result) cloud.Result {
	last := cloud.Result{Status: cloud.Transient, Err: ctx.Err()}
	err := wait.ExponentialBackoffWithContext(ctx, r.Backoff, func(context.Context) (bool, error) {
		last = fn()
		switch last.Status {
		case cloud.OK:
			return true, nil
		case cloud.Transient:
			return false, nil
		default:
			return false, errPermanent
		}
	})
	if err != nil && !errors.Is(err, errPermanent) && last.Err == nil {
		last.Err = err
	}
	return last
}
