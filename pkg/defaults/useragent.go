package defaults

import "github.com/openshift/rhcos-aliyun-image-pruner/pkg/version"

// UserAgent identifies the pruner in build browser HTTP requests.
var UserAgent = "rhcos-aliyun-image-pruner/" + version.Version
