// Package pruner wires the pipeline together: metadata history and build
// inventory are gathered, joined into per-build dispositions, and reconciled
// against the Aliyun account.
package pruner

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/checkpoint"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/classify"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/cloud"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/cloud/aliyun"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/credentials"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/defaults"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/history"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/inventory"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/metrics"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/reconcile"
)

// Config is the run configuration, passed explicitly to every component.
type Config struct {
	// Release is the OCP release to operate on, e.g. "4.10".
	Release string
	// Branch is the installer branch walked for metadata history.
	// Defaults to "release-<Release>".
	Branch string
	// InstallerRepo is the repository carrying the metadata document.
	InstallerRepo string
	// RedirectorURL is the build browser base URL.
	RedirectorURL string
	// CheckpointPath locates the resumable progress record.
	CheckpointPath string
	// DryRun disables every mutating remote call.
	DryRun bool
	// Workers bounds concurrent remote work.
	Workers int
	// Region, when set, restricts reconciliation to one region.
	Region string
	// MetricsAddr, when set, serves prometheus metrics during the run.
	MetricsAddr string
}

func (c *Config) applyDefaults() {
	if c.Branch == "" {
		c.Branch = "release-" + c.Release
	}
	if c.InstallerRepo == "" {
		c.InstallerRepo = defaults.InstallerRepoURL
	}
	if c.RedirectorURL == "" {
		c.RedirectorURL = defaults.RedirectorURL
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = defaults.CheckpointPath
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
}

// Pruner runs one release's classification and reconciliation. The zero
// values of Source, Inventory and API select the production collaborators;
// tests substitute fakes.
type Pruner struct {
	Config    Config
	Source    history.Source
	Inventory *inventory.Client
	API       cloud.ImageAPI
}

// New validates the configuration and returns a Pruner wired with the
// production collaborators.
func New(cfg Config) (*Pruner, error) {
	if cfg.Release == "" {
		return nil, fmt.Errorf("a release identifier is required")
	}
	cfg.applyDefaults()
	return &Pruner{Config: cfg}, nil
}

// Run executes the pipeline. The returned error is a fatal condition
// (startup, history schema, or build index); per-triple failures are
// recorded in the checkpoint and reported via the summary only.
func (p *Pruner) Run(ctx context.Context) (reconcile.Summary, error) {
	var summary reconcile.Summary
	cfg := p.Config

	api := p.API
	if api == nil {
		creds, err := credentials.FromEnv()
		if err != nil {
			return summary, fmt.Errorf("missing credentials: %w", err)
		}
		api = aliyun.New(creds)
	}

	store, err := checkpoint.Load(cfg.CheckpointPath)
	if err != nil {
		return summary, err
	}

	if cfg.MetricsAddr != "" {
		go metrics.RunServer(cfg.MetricsAddr)
	}

	source := p.Source
	if source == nil {
		gitSource := history.NewGitSource(cfg.InstallerRepo, defaults.RHCOSMetadataPath)
		defer gitSource.Close()
		source = gitSource
	}

	protected, err := history.BuildProtectedSet(ctx, source, cfg.Branch)
	if err != nil {
		return summary, err
	}
	metrics.SetProtectedBuilds(protected.Len())

	inv := p.Inventory
	if inv == nil {
		inv = inventory.NewClient(cfg.RedirectorURL)
	}
	records, err := inv.Enumerate(ctx, cfg.Release, cfg.Workers)
	if err != nil {
		return summary, err
	}
	metrics.SetInventoryBuilds(len(records))

	items := join(records, protected)

	reconciler := reconcile.New(api, store)
	reconciler.DryRun = cfg.DryRun
	reconciler.Workers = cfg.Workers
	reconciler.Region = cfg.Region

	summary, err = reconciler.Run(ctx, items)
	if err != nil {
		return summary, err
	}

	klog.Infof("release %s: %s", cfg.Release, summary)
	klog.Infof("checkpoint written to %s", store.Path())
	return summary, nil
}

// join classifies every inventory record and appends keep items for
// protected builds the index no longer lists, so their images are still
// tagged bootimage:true.
func join(records []inventory.BuildRecord, protected *history.ProtectedSet) []reconcile.Item {
	items := make([]reconcile.Item, 0, len(records))
	seen := map[string]bool{}
	for _, record := range records {
		seen[record.ID] = true
		disposition := classify.Classify(record, protected)
		images := record.Images
		if disposition == classify.Keep && len(images) == 0 {
			// The index verified no images, but history knows where
			// this build's bootimages live.
			images = protected.Images(record.ID)
		}
		items = append(items, reconcile.Item{
			BuildID:     record.ID,
			Disposition: disposition,
			Images:      images,
		})
	}

	for _, build := range protected.Builds() {
		if seen[build] {
			continue
		}
		klog.V(2).Infof("protected build %s is absent from the build index", build)
		items = append(items, reconcile.Item{
			BuildID:     build,
			Disposition: classify.Keep,
			Images:      protected.Images(build),
		})
	}
	return items
}
