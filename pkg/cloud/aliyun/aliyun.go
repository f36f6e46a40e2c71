// Package aliyun implements the cloud image API against the Alibaba Cloud
// ECS service. One signed client is kept per region; all regions share a
// single rate limiter so a large prune does not trip account-level
// throttling.
package aliyun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdkerrors "github.com/aliyun/alibaba-cloud-sdk-go/sdk/errors"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/ecs"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/cloud"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/credentials"
)

const resourceTypeImage = "image"

// API is the ECS-backed implementation of cloud.ImageAPI.
type API struct {
	creds   credentials.Credentials
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]*ecs.Client
}

// New returns an API signing requests with the given credentials.
func New(creds credentials.Credentials) *API {
	return &API{
		creds: creds,
		// 10 requests/second is well under the ECS API quota and keeps
		// a 16-worker prune from tripping Throttling.User.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		clients: map[string]*ecs.Client{},
	}
}

func (a *API) client(region string) (*ecs.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[region]; ok {
		return client, nil
	}
	client, err := ecs.NewClientWithAccessKey(region, a.creds.AccessKeyID, a.creds.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("unable to create ECS client for region %s: %w", region, err)
	}
	a.clients[region] = client
	return client, nil
}

// DescribeImage reads the live state of one image. A missing image yields
// Exists == false with an OK result.
func (a *API) DescribeImage(ctx context.Context, region, imageID string) (cloud.Image, cloud.Result) {
	client, err := a.client(region)
	if err != nil {
		return cloud.Image{}, cloud.Result{Status: cloud.Permanent, Err: err}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return cloud.Image{}, cloud.Result{Status: cloud.Permanent, Err: err}
	}

	request := ecs.CreateDescribeImagesRequest()
	request.RegionId = region
	request.ImageId = imageID
	// Include images in any state so a deprecated image still counts as
	// existing.
	request.Status = "Creating,Waiting,Available,UnAvailable,CreateFailed,Deprecated"

	response, err := client.DescribeImages(request)
	if err != nil {
		return cloud.Image{}, classify(err)
	}

	if len(response.Images.Image) == 0 {
		return cloud.Image{Exists: false}, cloud.Result{Status: cloud.OK}
	}

	remote := response.Images.Image[0]
	image := cloud.Image{
		Exists:   true,
		IsPublic: remote.IsPublic,
		Tags:     map[string]string{},
	}
	for _, tag := range remote.Tags.Tag {
		image.Tags[tag.TagKey] = tag.TagValue
	}
	return image, cloud.Result{Status: cloud.OK}
}

// TagImage applies one resource tag to the image; overwriting an existing
// value is a provider-level no-op.
func (a *API) TagImage(ctx context.Context, region, imageID, key, value string) cloud.Result {
	client, err := a.client(region)
	if err != nil {
		return cloud.Result{Status: cloud.Permanent, Err: err}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return cloud.Result{Status: cloud.Permanent, Err: err}
	}

	request := ecs.CreateTagResourcesRequest()
	// The client's region does not propagate to the request.
	request.RegionId = region
	request.ResourceType = resourceTypeImage
	request.ResourceId = &[]string{imageID}
	request.Tag = &[]ecs.TagResourcesTag{{Key: key, Value: value}}

	if _, err := client.TagResources(request); err != nil {
		return classify(err)
	}
	klog.V(4).Infof("tagged %s in %s with %s=%s", imageID, region, key, value)
	return cloud.Result{Status: cloud.OK}
}

// SetImageVisibility publishes or unpublishes an image.
func (a *API) SetImageVisibility(ctx context.Context, region, imageID string, public bool) cloud.Result {
	client, err := a.client(region)
	if err != nil {
		return cloud.Result{Status: cloud.Permanent, Err: err}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return cloud.Result{Status: cloud.Permanent, Err: err}
	}

	request := ecs.CreateModifyImageSharePermissionRequest()
	request.RegionId = region
	request.ImageId = imageID
	request.IsPublic = requests.NewBoolean(public)

	if _, err := client.ModifyImageSharePermission(request); err != nil {
		return classify(err)
	}
	klog.V(4).Infof("set %s in %s public=%t", imageID, region, public)
	return cloud.Result{Status: cloud.OK}
}

// DeleteImage deregisters the image. Deleting an image that is already gone
// is reported as success.
func (a *API) DeleteImage(ctx context.Context, region, imageID string) cloud.Result {
	client, err := a.client(region)
	if err != nil {
		return cloud.Result{Status: cloud.Permanent, Err: err}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return cloud.Result{Status: cloud.Permanent, Err: err}
	}

	request := ecs.CreateDeleteImageRequest()
	request.RegionId = region
	request.ImageId = imageID

	if _, err := client.DeleteImage(request); err != nil {
		result := classify(err)
		if result.NotFound {
			klog.V(4).Infof("image %s in %s already absent", imageID, region)
			return cloud.Result{Status: cloud.OK}
		}
		return result
	}
	klog.V(4).Infof("deleted %s in %s", imageID, region)
	return cloud.Result{Status: cloud.OK}
}

// classify maps an ECS SDK error onto a tagged result. Server throttling and
// 5xx responses are worth retrying; everything else is permanent.
func classify(err error) cloud.Result {
	var serverErr *sdkerrors.ServerError
	if errors.As(err, &serverErr) {
		code := serverErr.ErrorCode()
		result := cloud.Result{Status: cloud.Permanent, Code: code, Err: err}
		switch {
		case strings.HasPrefix(code, "Throttling"),
			code == "ServiceUnavailable",
			code == "InternalError",
			code == "RequestTimeout",
			serverErr.HttpStatus() >= 500:
			result.Status = cloud.Transient
		case strings.HasSuffix(code, ".NotFound"):
			result.NotFound = true
		}
		return result
	}

	// Anything that never reached the API (DNS, connection reset) may
	// resolve on retry.
	return cloud.Result{Status: cloud.Transient, Err: err}
}
