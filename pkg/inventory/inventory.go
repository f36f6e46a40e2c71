// Package inventory enumerates every RHCOS build ever produced for a release
// by reading the build browser's builds.json index and each build's meta.json
// manifest. The index is authoritative: without it no partial inventory is
// trusted. Individual manifest failures only mark that build unverified.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/defaults"
)

// BuildRecord is one element of the full inventory.
type BuildRecord struct {
	// ID is the build identifier.
	ID string
	// Images maps region -> image identifier for every Aliyun image the
	// build's manifest declares. Empty when the build uploaded none.
	Images map[string]string
	// Verified is false when the manifest could not be fetched or parsed,
	// so image presence is unconfirmed. Unverified builds are never
	// pruning candidates.
	Verified bool
}

// FatalError reports that the build index itself was unreachable. The whole
// run aborts on it; nothing downstream is trusted without the index.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("build index unavailable: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Client fetches build documents from the RHCOS build browser.
type Client struct {
	// BaseURL is the build browser root, without a trailing slash.
	BaseURL string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Backoff bounds retries of each fetch.
	Backoff wait.Backoff
}

// NewClient returns a Client with the default retry policy.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Backoff: wait.Backoff{
			Duration: defaults.RemoteCallBackoff,
			Factor:   2,
			Steps:    defaults.RemoteCallAttempts,
		},
	}
}

// buildIndex tolerates both index schemas: 1.x lists build objects, the
// original schema listed bare id strings.
type buildIndex struct {
	Builds []json.RawMessage `json:"builds"`
}

type buildIndexEntry struct {
	ID     string   `json:"id"`
	Arches []string `json:"arches"`
}

type buildMeta struct {
	Aliyun []struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"aliyun"`
}

// Enumerate produces one BuildRecord per build in the release's index, in
// index order, fanning the per-build manifest fetches out over at most
// workers concurrent requests.
func (c *Client) Enumerate(ctx context.Context, release string, workers int) ([]BuildRecord, error) {
	ids, err := c.fetchIndex(ctx, release)
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	klog.Infof("build index for %s lists %d builds", release, len(ids))

	if workers <= 0 {
		workers = defaults.Workers
	}
	records := make([]BuildRecord, len(ids))
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			records[i] = c.fetchBuild(gctx, release, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) fetchIndex(ctx context.Context, release string) ([]string, error) {
	url := fmt.Sprintf("%s/rhcos-%s/builds.json", c.BaseURL, release)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var index buildIndex
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", url, err)
	}

	var ids []string
	for _, raw := range index.Builds {
		var entry buildIndexEntry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.ID != "" {
			ids = append(ids, entry.ID)
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			ids = append(ids, id)
			continue
		}
		return nil, fmt.Errorf("unable to parse build index entry %s", raw)
	}
	return ids, nil
}

func (c *Client) fetchBuild(ctx context.Context, release, id string) BuildRecord {
	record := BuildRecord{ID: id}

	url := fmt.Sprintf("%s/rhcos-%s/%s/%s/meta.json", c.BaseURL, release, id, defaults.Arch)
	body, err := c.get(ctx, url)
	if err != nil {
		// Never fatal: an unverifiable build is classified unknown and
		// left alone, not pruned.
		klog.Errorf("build %s cannot be verified: %v", id, err)
		return record
	}

	var meta buildMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		klog.Errorf("build %s has a malformed manifest: %v", id, err)
		return record
	}

	record.Verified = true
	for _, entry := range meta.Aliyun {
		if entry.Name == "" || entry.ID == "" {
			continue
		}
		if record.Images == nil {
			record.Images = map[string]string{}
		}
		record.Images[entry.Name] = entry.ID
	}
	klog.V(4).Infof("build %s has %d aliyun images", id, len(record.Images))
	return record
}

// get fetches one URL, retrying transient failures (network errors, 5xx,
// 429) with exponential backoff.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, c.Backoff, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		req.Header.Set("User-Agent", defaults.UserAgent)
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			return false, nil
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				lastErr = err
				return false, nil
			}
			return true, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("GET %s: %s", url, resp.Status)
			return false, nil
		default:
			// Client errors do not resolve with retries.
			return false, fmt.Errorf("GET %s: %s", url, resp.Status)
		}
	})
	if wait.Interrupted(err) && lastErr != nil {
		return nil, fmt.Errorf("GET %s failed after retries: %w", url, lastErr)
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}
