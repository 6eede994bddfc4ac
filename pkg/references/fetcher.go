// Package references downloads the reference photos a user selected.
package references

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMax     = 8
	DefaultTimeout = 15 * time.Second
	DefaultMaxEdge = 1024

	maxBodyBytes = 32 << 20
)

type Options struct {
	Max     int
	Timeout time.Duration
	MaxEdge int
}

// Fetcher downloads reference bytes concurrently. A failed download is logged
// and dropped; it never fails the batch.
type Fetcher struct {
	http *http.Client
	opts Options
}

func NewFetcher(client *http.Client, opts Options) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxEdge <= 0 {
		opts.MaxEdge = DefaultMaxEdge
	}
	return &Fetcher{http: client, opts: opts}
}

// SizedURL asks the photo service for a bounded rendition unless the URL
// already carries size parameters.
func SizedURL(raw string, edge int) string {
	if strings.Contains(raw, "=") {
		return raw
	}
	if edge <= 0 {
		edge = DefaultMaxEdge
	}
	return strings.TrimRight(raw, "/") + "=w" + strconv.Itoa(edge) + "-h" + strconv.Itoa(edge)
}

// Fetch returns the bytes of every URL that downloaded, in input order. At
// most opts.Max URLs are considered.
func (f *Fetcher) Fetch(ctx context.Context, token string, urls []string) [][]byte {
	if len(urls) > f.opts.Max {
		urls = urls[:f.opts.Max]
	}
	results := make([][]byte, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Max)
	for i, u := range urls {
		g.Go(func() error {
			b, err := f.fetchOne(gctx, token, u)
			if err != nil {
				log.Warn().Err(err).Int("index", i).Msg("reference_image_fetch_failed")
				return nil
			}
			results[i] = b
			return nil
		})
	}
	_ = g.Wait()

	out := make([][]byte, 0, len(results))
	for _, b := range results {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	log.Info().Int("requested", len(urls)).Int("fetched", len(out)).Msg("reference images fetched")
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, token, raw string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, SizedURL(raw, f.opts.MaxEdge), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(b) == 0 {
		return nil, errors.New("empty body")
	}
	return Downscale(b, f.opts.MaxEdge), nil
}

// Downscale re-encodes images larger than maxEdge on either side as JPEG.
// Bytes that do not decode are returned unchanged.
func Downscale(b []byte, maxEdge int) []byte {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil || maxEdge <= 0 || (cfg.Width <= maxEdge && cfg.Height <= maxEdge) {
		return b
	}
	img, err := imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
	if err != nil {
		return b
	}
	img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpeg.DefaultQuality)); err != nil {
		return b
	}
	return buf.Bytes()
}
