package storage

import (
	"fmt"
	"strings"
)

const scheme = "gs://"

// ParseURI splits a gs://bucket/object URI into its bucket and object name.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, scheme) {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, scheme), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// URI builds the gs:// URI of an object.
func URI(bucket, object string) string {
	return scheme + bucket + "/" + strings.TrimPrefix(object, "/")
}
