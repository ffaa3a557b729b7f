// Package storage defines the media service contract the core depends on.
// Transcoding and object storage live in an external service; the bridge only
// needs a way to turn a foreign attachment URL into one every destination
// network can fetch.
package storage

import (
	"context"
	"strings"
)

// Media is the processed attachment reference returned by the service.
type Media struct {
	ID       string
	URL      string
	MimeType string
	Size     int64
}

// Options hints the processing step.
type Options struct {
	MimeType string
	MaxBytes int64
}

// Service is the media pipeline contract.
type Service interface {
	FetchAndProcessMedia(ctx context.Context, url string, opts Options) (*Media, error)
}

// Passthrough is the no-pipeline implementation: URLs are served as-is,
// optionally rewritten onto a CDN prefix. Deployments without S3/CDN
// configuration run on this.
type Passthrough struct {
	CDNURL string
}

// FetchAndProcessMedia implements Service.
func (p *Passthrough) FetchAndProcessMedia(_ context.Context, url string, opts Options) (*Media, error) {
	out := url
	if p.CDNURL != "" {
		out = strings.TrimRight(p.CDNURL, "/") + "/proxy?url=" + url
	}
	return &Media{URL: out, MimeType: opts.MimeType}, nil
}
