package defaults

import "time"

const (
	// InstallerRepoURL is the repository whose history defines which
	// bootimages a release has ever shipped.
	InstallerRepoURL = "https://github.com/openshift/installer"

	// RHCOSMetadataPath is the path of the tracked bootimage metadata
	// document inside the installer repository.
	RHCOSMetadataPath = "data/data/coreos/rhcos.json"

	// RedirectorURL is the base URL of the RHCOS build browser used to
	// enumerate every build ever produced for a release.
	RedirectorURL = "https://rhcos-redirector.apps.art.xq1c.p1.openshiftapps.com/art/storage/releases"

	// Arch is the only architecture this tool operates on.
	Arch = "x86_64"

	// BootimageTagKey is the resource tag key applied to every image the
	// tool has classified.
	BootimageTagKey = "bootimage"

	// BootimageTagKeep and BootimageTagPrune are the tag values for
	// protected and prunable images respectively.
	BootimageTagKeep  = "true"
	BootimageTagPrune = "false"

	// AccessKeyIDEnvName and AccessKeySecretEnvName are the environment
	// variables the Alibaba Cloud credentials are read from. Their absence
	// is a fatal startup error.
	AccessKeyIDEnvName     = "ALIBABA_CLOUD_ACCESS_KEY_ID"
	AccessKeySecretEnvName = "ALIBABA_CLOUD_ACCESS_KEY_SECRET"

	// CheckpointPath is the default location of the resumable progress
	// record.
	CheckpointPath = "rhcos-aliyun-pruner-checkpoint.json"

	// RemoteCallAttempts bounds retries of any single remote call (HTTP
	// manifest fetch or ECS API call) before the affected build or image
	// is recorded as failed and the run moves on.
	RemoteCallAttempts = 3

	// RemoteCallBackoff is the initial delay between retries; each retry
	// doubles it.
	RemoteCallBackoff = 2 * time.Second

	// Workers is the default fan-out for independent remote work.
	Workers = 8
)
