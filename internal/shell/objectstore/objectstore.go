// Package objectstore uploads deployment artifacts to remote object storage.
// This is part of the Imperative Shell - handles I/O with the storage API.
package objectstore

import (
	"context"
	"fmt"
	"path"
)

// Object is one upload.
type Object struct {
	Bucket      string
	Key         string
	Body        []byte
	ContentType string
}

// ObjectStore defines the operations the packager and orchestrator need.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Put(ctx context.Context, obj Object) error
}

// =============================================================================
// Keys and Locations
// =============================================================================

// digestPrefix is how much of a digest goes into a key.
const digestPrefix = 16

// ArchiveKey returns the content-addressed key of a code archive.
// Pattern: {prefix}/deployables/{physicalName}-{digest[:16]}.zip
func ArchiveKey(prefix, physicalName, digest string) string {
	return path.Join(prefix, "deployables", fmt.Sprintf("%s-%s.zip", physicalName, short(digest)))
}

// TemplateKey returns the key of an uploaded template.
// Pattern: {prefix}/templates/{stackName}-{fingerprint[:16]}.json
func TemplateKey(prefix, stackName, fingerprint string) string {
	return path.Join(prefix, "templates", fmt.Sprintf("%s-%s.json", stackName, short(fingerprint)))
}

// URI returns the s3:// reference used inside templates.
func URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// HTTPSURL returns the virtual-hosted URL of an object, as required for
// templates passed by URL.
func HTTPSURL(bucket, region, key string) string {
	if region == "" || region == "us-east-1" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, key)
}

func short(digest string) string {
	if len(digest) > digestPrefix {
		return digest[:digestPrefix]
	}
	return digest
}
