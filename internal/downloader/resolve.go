package downloader

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/matrixinfer-ai/kthena/internal/backend"
	"github.com/matrixinfer-ai/kthena/internal/backend/hf"
	"github.com/matrixinfer-ai/kthena/internal/backend/pvc"
	"github.com/matrixinfer-ai/kthena/internal/backend/s3"
)

// Resolve maps a source identifier to a download variant. Resolution is a
// pure function of the scheme prefix: s3:// and obs:// select the
// object-store variant, pvc:// the shared-volume variant, and anything else
// is treated as a model-hub repository reference. A variant that cannot be
// constructed surfaces as a non-retryable resolution or credential error.
func Resolve(ctx context.Context, source string, opts backend.Options) (backend.Backend, error) {
	switch {
	case strings.HasPrefix(source, "s3://"), strings.HasPrefix(source, "obs://"):
		return s3.New(ctx, source, opts)
	case strings.HasPrefix(source, "pvc://"):
		return pvc.New(source)
	default:
		return hf.New(source, opts), nil
	}
}

// ModelNameFromSource derives a destination directory name when the caller
// does not provide one. Hub references keep their namespace with the slash
// flattened; URL-style sources use the last path element.
func ModelNameFromSource(source string) string {
	trimmed := strings.TrimSuffix(source, "/")

	switch {
	case strings.HasPrefix(trimmed, "s3://"),
		strings.HasPrefix(trimmed, "obs://"),
		strings.HasPrefix(trimmed, "pvc://"):
		u, err := url.Parse(trimmed)
		if err != nil || u.Host == "" {
			return path.Base(trimmed)
		}

		if u.Path == "" || u.Path == "/" {
			return u.Host
		}

		return path.Base(u.Path)
	default:
		return strings.ReplaceAll(strings.TrimPrefix(trimmed, "hf://"), "/", "--")
	}
}
