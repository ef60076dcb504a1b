package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// An objectNotification is the body of an object-storage event notification,
// in the format S3 (and compatible stores) emit:
//
//	{"Records": [{"s3": {"bucket": {"name": "..."}, "object": {"key": "...", "size": 123}}}]}
type objectNotification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

var errNoRecords = errors.New("notification holds no object records")

// ObjectKeys returns the keys of the objects referenced by a notification
// body. Keys arrive URL-encoded and are returned decoded.
func ObjectKeys(body []byte) ([]string, error) {
	var n objectNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if len(n.Records) == 0 {
		return nil, errNoRecords
	}
	keys := make([]string, 0, len(n.Records))
	for i, r := range n.Records {
		if r.S3.Object.Key == "" {
			return nil, fmt.Errorf("record %d: missing object key", i)
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("record %d: unescape key %q: %w", i, r.S3.Object.Key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
