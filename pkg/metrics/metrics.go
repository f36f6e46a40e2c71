package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	registry     = prometheus.NewRegistry()
	imagesTagged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhcos_aliyun_pruner_images_tagged_total",
			Help: "Total bootimage tag applications, by tag value.",
		},
		[]string{"value"},
	)
	imagesMadePrivate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rhcos_aliyun_pruner_images_made_private_total",
		Help: "Total images whose public visibility was revoked before deletion.",
	})
	imagesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rhcos_aliyun_pruner_images_deleted_total",
		Help: "Total images deleted.",
	})
	triplesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rhcos_aliyun_pruner_triples_failed_total",
		Help: "Total (build, region, image) triples abandoned after a permanent error or exhausted retries.",
	})
	triplesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rhcos_aliyun_pruner_triples_skipped_total",
		Help: "Total triples skipped because the checkpoint already records them as complete.",
	})
	protectedBuilds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rhcos_aliyun_pruner_protected_builds",
		Help: "Number of build identifiers protected by the metadata history.",
	})
	inventoryBuilds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rhcos_aliyun_pruner_inventory_builds",
		Help: "Number of builds listed by the release's build index.",
	})
)

func init() {
	registry.MustRegister(
		imagesTagged,
		imagesMadePrivate,
		imagesDeleted,
		triplesFailed,
		triplesSkipped,
		protectedBuilds,
		inventoryBuilds,
	)
}

// ImageTagged counts one bootimage tag application.
func ImageTagged(value string) {
	imagesTagged.WithLabelValues(value).Inc()
}

// ImageMadePrivate counts one visibility revocation.
func ImageMadePrivate() {
	imagesMadePrivate.Inc()
}

// ImageDeleted counts one image deletion.
func ImageDeleted() {
	imagesDeleted.Inc()
}

// TripleFailed counts one abandoned triple.
func TripleFailed() {
	triplesFailed.Inc()
}

// TripleSkipped counts one triple satisfied by the checkpoint.
func TripleSkipped() {
	triplesSkipped.Inc()
}

// SetProtectedBuilds records the size of the protected set.
func SetProtectedBuilds(n int) {
	protectedBuilds.Set(float64(n))
}

// SetInventoryBuilds records the size of the build inventory.
func SetInventoryBuilds(n int) {
	inventoryBuilds.Set(float64(n))
}
