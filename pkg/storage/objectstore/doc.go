// Package objectstore uploads audit archive segments to S3-compatible
// object storage (AWS S3 or MinIO).
package objectstore
