// Package attachment fetches chat attachments and decides how they can be
// analysed.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	DefaultMaxBytes = 8 << 20
	DefaultTimeout  = 20 * time.Second
)

var (
	ErrUnsupportedAttachment = errors.New("attachment: unsupported file type")
	ErrFetch                 = errors.New("attachment: fetch failed")
)

type Kind int

const (
	Unsupported Kind = iota
	Text
	Image
)

var kinds = map[string]Kind{
	".txt":  Text,
	".json": Text,
	".md":   Text,
	".csv":  Text,
	".log":  Text,
	".jpg":  Image,
	".jpeg": Image,
	".png":  Image,
	".gif":  Image,
}

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// Classify decides by file extension, case-insensitively.
func Classify(name string) Kind {
	return kinds[strings.ToLower(path.Ext(name))]
}

// MIMEType returns the image content type for name, or "" for non-images.
func MIMEType(name string) string {
	return imageTypes[strings.ToLower(path.Ext(name))]
}

type Attachment struct {
	Name string
	URL  string
}

type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(client *http.Client, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch downloads url into memory. Bodies larger than the cap are rejected
// rather than truncated.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrFetch, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFetch, f.maxBytes)
	}
	return data, nil
}

// Load classifies a and fetches it when it can be analysed.
func (f *Fetcher) Load(ctx context.Context, a Attachment) (Kind, []byte, error) {
	k := Classify(a.Name)
	if k == Unsupported {
		return k, nil, fmt.Errorf("%w: %s", ErrUnsupportedAttachment, a.Name)
	}
	data, err := f.Fetch(ctx, a.URL)
	if err != nil {
		return k, nil, err
	}
	return k, data, nil
}
