// Package backend defines the contract every download strategy satisfies and
// the shared plumbing the concrete variants build on. A backend fetches
// everything reachable under a single source into a destination directory,
// idempotently where the remote exposes enough metadata to skip files that
// are already present.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Backend is the single capability a download strategy exposes.
type Backend interface {
	// Name identifies the variant in logs and metrics.
	Name() string

	// Fetch downloads everything under the backend's source into destDir,
	// creating intermediate directories as needed.
	Fetch(ctx context.Context, destDir string) error
}

// Options is the flat credential/config bag handed to variant constructors.
// Every key is optional; each variant interprets the subset it recognizes.
type Options struct {
	AccessKey string
	SecretKey string
	Endpoint  string
	Region    string

	HFToken    string
	HFEndpoint string
	HFRevision string

	MaxWorkers int
}

// SplitBucketURL decomposes an object-store source of the form
// <scheme>://<bucket>/<prefix> into its bucket and prefix parts. The leading
// slash of the prefix is stripped.
func SplitBucketURL(source string) (bucket, prefix string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", fmt.Errorf("invalid source url %q: %w", source, err)
	}

	if u.Host == "" {
		return "", "", fmt.Errorf("no bucket in source url %q", source)
	}

	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
