package ingest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestObjectKeys(t *testing.T) {
	body := []byte(`{"Records": [
		{"s3": {"bucket": {"name": "raw"}, "object": {"key": "sysmon/2024-01-02/batch-1.zst", "size": 10}}},
		{"s3": {"bucket": {"name": "raw"}, "object": {"key": "sysmon/host+a%2Fb.zst", "size": 10}}}
	]}`)
	got, err := ObjectKeys(body)
	if err != nil {
		t.Fatal("ObjectKeys:", err)
	}
	want := []string{"sysmon/2024-01-02/batch-1.zst", "sysmon/host a/b.zst"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ObjectKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestObjectKeys_invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "NotJSON", body: `raw bytes`},
		{name: "NoRecords", body: `{"Records": []}`},
		{name: "TestEvent", body: `{"Service": "Amazon S3", "Event": "s3:TestEvent"}`},
		{name: "MissingKey", body: `{"Records": [{"s3": {"object": {}}}]}`},
		{name: "BadEscape", body: `{"Records": [{"s3": {"object": {"key": "a%zz"}}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if keys, err := ObjectKeys([]byte(tt.body)); err == nil {
				t.Errorf("ObjectKeys() = %v, want error", keys)
			}
		})
	}
}
