package credentials

import (
	"fmt"
	"os"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/defaults"
)

// Credentials is the Alibaba Cloud access key pair used to sign ECS API
// requests. It is loaded once at startup and passed explicitly to the
// components that need it.
type Credentials struct {
	AccessKeyID     string
	AccessKeySecret string
}

// FromEnv reads the access key pair from the process environment. A missing
// or empty value is a fatal startup condition for the caller, not a per-call
// error.
func FromEnv() (Credentials, error) {
	id := os.Getenv(defaults.AccessKeyIDEnvName)
	if id == "" {
		return Credentials{}, fmt.Errorf("environment variable %s is not set", defaults.AccessKeyIDEnvName)
	}
	secret := os.Getenv(defaults.AccessKeySecretEnvName)
	if secret == "" {
		return Credentials{}, fmt.Errorf("environment variable %s is not set", defaults.AccessKeySecretEnvName)
	}
	return Credentials{AccessKeyID: id, AccessKeySecret: secret}, nil
}
