// Package files fetches provisioner configuration files and stores the
// state and plan artifacts workers produce.
//
// Sources are either a local directory (a plain path or a file:// RepoURL)
// or an S3 prefix (SourceRef.Bucket or an s3:// RepoURL). Router picks the
// fetcher for a SourceRef. Artifacts live in a MinIO bucket keyed by entity
// id; ResolveState looks up the current key before the legacy one.
package files
