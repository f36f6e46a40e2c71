package classify

import (
	"context"
	"testing"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/history"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/inventory"
)

type staticSource struct {
	doc []byte
}

func (s staticSource) ListRevisions(ctx context.Context, branch string) ([]history.Revision, error) {
	return []history.Revision{{ID: "r1"}}, nil
}

func (s staticSource) FetchMetadataAt(ctx context.Context, rev history.Revision) ([]byte, error) {
	return s.doc, nil
}

func protectedSet(t *testing.T) *history.ProtectedSet {
	t.Helper()
	src := staticSource{doc: []byte(`{
		"architectures": {"x86_64": {
			"artifacts": {"aliyun": {"release": "b-protected"}},
			"images": {"aliyun": {"regions": {"us-east-1": {"image": "m-0xp"}}}}
		}}
	}`)}
	p, err := history.BuildProtectedSet(context.Background(), src, "release-4.10")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestClassify(t *testing.T) {
	protected := protectedSet(t)

	for _, tc := range []struct {
		name     string
		record   inventory.BuildRecord
		expected Disposition
	}{
		{
			name:     "protected build",
			record:   inventory.BuildRecord{ID: "b-protected", Images: map[string]string{"us-east-1": "m-0xp"}, Verified: true},
			expected: Keep,
		},
		{
			name:     "unprotected build",
			record:   inventory.BuildRecord{ID: "b-stale", Images: map[string]string{"us-east-1": "m-0xs"}, Verified: true},
			expected: Prune,
		},
		{
			name:     "unverified build",
			record:   inventory.BuildRecord{ID: "b-stale"},
			expected: Unknown,
		},
		{
			name:     "unverified protected build",
			record:   inventory.BuildRecord{ID: "b-protected"},
			expected: Unknown,
		},
		{
			name:     "verified build without images",
			record:   inventory.BuildRecord{ID: "b-noimages", Verified: true},
			expected: Prune,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.record, protected); got != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestClassifyIsStable(t *testing.T) {
	protected := protectedSet(t)
	record := inventory.BuildRecord{ID: "b-stale", Images: map[string]string{"us-east-1": "m-0xs"}, Verified: true}

	first := Classify(record, protected)
	for i := 0; i < 100; i++ {
		if got := Classify(record, protected); got != first {
			t.Fatalf("classification changed between calls: %s then %s", first, got)
		}
	}
}
