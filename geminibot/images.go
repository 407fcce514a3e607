package geminibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

const (
	defaultImageMIMEType = "image/jpeg"

	// imageFetchConcurrency limits simultaneous downloads for one message
	imageFetchConcurrency = 4
)

var (
	ErrImageEmpty    = errors.New("image is empty")
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

// ImageRef points to an image attached to a message
type ImageRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Image is a downloaded image, ready to be sent inline with a prompt
type Image struct {
	MIMEType string
	Data     []byte
}

// imageRefs returns references to the message's image attachments.
// Attachments without an image/* content type are ignored.
func imageRefs(attachments []*discordgo.MessageAttachment) []ImageRef {
	var refs []ImageRef
	for _, a := range attachments {
		if a == nil || a.URL == "" {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(a.ContentType), "image/") {
			continue
		}
		refs = append(refs, ImageRef{URL: a.URL, ContentType: a.ContentType})
	}
	return refs
}

// ImageFetcher downloads image attachments
type ImageFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

func NewImageFetcher(
	client *http.Client,
	maxBytes int64,
	logger *slog.Logger,
) *ImageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageFetcher{client: client, maxBytes: maxBytes, logger: logger}
}

// FetchAll downloads every referenced image concurrently. Images that
// fail to download are logged and skipped, so the result may be shorter
// than refs (or empty). Surviving images keep the order of refs.
func (f *ImageFetcher) FetchAll(ctx context.Context, refs []ImageRef) []Image {
	if len(refs) == 0 {
		return nil
	}
	results := make([]*Image, len(refs))

	var g errgroup.Group
	g.SetLimit(imageFetchConcurrency)
	for idx, ref := range refs {
		g.Go(
			func() error {
				img, err := f.Fetch(ctx, ref)
				if err != nil {
					f.logger.WarnContext(
						ctx,
						"skipping image",
						"url", ref.URL,
						tint.Err(err),
					)
					return nil
				}
				results[idx] = img
				return nil
			},
		)
	}
	_ = g.Wait()

	images := make([]Image, 0, len(refs))
	for _, img := range results {
		if img != nil {
			images = append(images, *img)
		}
	}
	return images
}

// Fetch downloads a single image. Non-2xx responses, empty bodies and
// bodies over the size limit are errors.
func (f *ImageFetcher) Fetch(ctx context.Context, ref ImageRef) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status fetching image: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}
	switch {
	case len(data) == 0:
		return nil, ErrImageEmpty
	case int64(len(data)) > f.maxBytes:
		return nil, fmt.Errorf("%w (%d bytes)", ErrImageTooLarge, f.maxBytes)
	}

	return &Image{
		MIMEType: imageMIMEType(ref.ContentType, resp.Header.Get("Content-Type"), data),
		Data:     data,
	}, nil
}

// imageMIMEType picks the MIME type for an image: the attachment's declared
// type, then the response's Content-Type, then sniffing the content, then
// falling back to image/jpeg
func imageMIMEType(declared string, header string, data []byte) string {
	for _, candidate := range []string{declared, header} {
		if mt, _, err := mime.ParseMediaType(candidate); err == nil && strings.HasPrefix(mt, "image/") {
			return mt
		}
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return defaultImageMIMEType
}
