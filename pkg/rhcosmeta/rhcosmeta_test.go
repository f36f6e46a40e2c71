package rhcosmeta

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseStream(t *testing.T) {
	doc := []byte(`{
		"architectures": {
			"x86_64": {
				"artifacts": {
					"aliyun": {"release": "410.84.202201251210-0"}
				},
				"images": {
					"aliyun": {
						"regions": {
							"us-east-1": {"release": "410.84.202201251210-0", "image": "m-0xid1"},
							"eu-central-1": {"release": "410.84.202201251210-0", "image": "m-0xid2"}
						}
					}
				}
			}
		}
	}`)

	snap, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}

	expected := Snapshot{Builds: map[string]map[string]string{
		"410.84.202201251210-0": {
			"us-east-1":    "m-0xid1",
			"eu-central-1": "m-0xid2",
		},
	}}
	if !reflect.DeepEqual(snap, expected) {
		t.Errorf("unexpected snapshot: %s", cmp.Diff(expected, snap))
	}
}

func TestParseStreamPerRegionRelease(t *testing.T) {
	// Older stream documents carry the build id per region only.
	doc := []byte(`{
		"architectures": {
			"x86_64": {
				"images": {
					"aliyun": {
						"regions": {
							"us-east-1": {"release": "49.84.202110220100-0", "image": "m-0xold"}
						}
					}
				}
			}
		}
	}`)

	snap, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Builds["49.84.202110220100-0"]["us-east-1"]; got != "m-0xold" {
		t.Errorf("expected per-region release fallback, got builds %v", snap.Builds)
	}
}

func TestParseStreamWithoutAliyun(t *testing.T) {
	doc := []byte(`{
		"architectures": {
			"x86_64": {
				"artifacts": {"aws": {"release": "410.84.202201251210-0"}},
				"images": {"aws": {"regions": {"us-east-1": {"image": "ami-123"}}}}
			}
		}
	}`)

	snap, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Builds) != 0 {
		t.Errorf("expected empty snapshot, got %v", snap.Builds)
	}
}

func TestParseLegacy(t *testing.T) {
	doc := []byte(`{
		"buildid": "47.83.202102090044-0",
		"amis": [{"name": "us-east-1", "hvm": "ami-0abc"}],
		"aliyun": [
			{"name": "cn-hangzhou", "id": "m-0xlegacy"}
		]
	}`)

	snap, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}

	expected := Snapshot{Builds: map[string]map[string]string{
		"47.83.202102090044-0": {"cn-hangzhou": "m-0xlegacy"},
	}}
	if !reflect.DeepEqual(snap, expected) {
		t.Errorf("unexpected snapshot: %s", cmp.Diff(expected, snap))
	}
}

func TestParseLegacyWithoutAliyun(t *testing.T) {
	doc := []byte(`{"buildid": "46.82.202012051820-0", "amis": []}`)

	snap, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Builds) != 0 {
		t.Errorf("expected empty snapshot, got %v", snap.Builds)
	}
}

func TestParseUnsupportedSchema(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"unknown shape", `{"streams": {"stable": {}}}`},
		{"not an object", `[1, 2, 3]`},
		{"not JSON", `bootimages!`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			var schemaErr *SchemaUnsupportedError
			if !errors.As(err, &schemaErr) {
				t.Errorf("expected SchemaUnsupportedError, got %v", err)
			}
		})
	}
}
