package version

// Version is the version of the pruner, set at build time via
// -ldflags="-X github.com/openshift/rhcos-aliyun-image-pruner/pkg/version.Version=...".
var Version = "unknown"
