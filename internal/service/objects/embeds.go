package objects

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"verimsg/internal/cryptographic/contenthash"
	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Media travels three ways: inlined as data URIs inside a freshly signed
// resource, as blob references in the stored form, and as fetchable URLs
// when handed to a transport.
const (
	dataURIPrefix = "data:"
	blobPrefix    = "blob://"

	presignedPathMarker = "/blobs/"
	maxMediaSize        = 16 << 20
)

type embedUpload struct {
	key  string
	mime string
	data []byte
}

// replaceEmbeds swaps every inlined data URI in the resource for a blob
// reference, uploading the extracted bytes as a side effect.
func (s *Service) replaceEmbeds(ctx context.Context, o model.SignedObject) error {
	var uploads []embedUpload
	walkStrings(map[string]any(o), func(v string) (string, bool) {
		if !strings.HasPrefix(v, dataURIPrefix) {
			return "", false
		}
		mime, data, err := parseDataURI(v)
		if err != nil {
			return "", false
		}
		key := contenthash.BytesLink(data)
		uploads = append(uploads, embedUpload{key: key, mime: mime, data: data})
		return blobPrefix + key + "?mime=" + url.QueryEscape(mime), true
	})

	if len(uploads) == 0 {
		return nil
	}

	log.Debug("replacing embedded media", zap.Int("count", len(uploads)))
	g, gctx := errgroup.WithContext(ctx)
	for _, up := range uploads {
		up := up
		g.Go(func() error {
			return s.blobs.PutBlob(gctx, up.key, up.data, up.mime)
		})
	}
	return g.Wait()
}

// ResolveEmbeds replaces blob references and presigned media URLs with the
// fetched bytes, restoring the form the resource was signed over. Run
// before any validation that inspects payload content.
func (s *Service) ResolveEmbeds(ctx context.Context, o model.SignedObject) error {
	var resolveErr error
	walkStrings(map[string]any(o), func(v string) (string, bool) {
		key, ok := parseBlobRef(v)
		var remote string
		if !ok {
			if key, ok = parsePresignedRef(v); !ok {
				return "", false
			}
			remote = v
		}
		data, mime, err := s.blobs.GetBlob(ctx, key)
		if err != nil && remote != "" && model.IgnoreNotFound(err) == nil {
			data, mime, err = s.fetchMedia(ctx, remote, key)
		}
		if err != nil {
			resolveErr = err
			return "", false
		}
		return dataURIPrefix + mime + ";base64," + base64.StdEncoding.EncodeToString(data), true
	})
	return resolveErr
}

// fetchMedia pulls presigned media from the counterparty's node and checks
// the bytes against the content address in the URL.
func (s *Service) fetchMedia(ctx context.Context, mediaURL, key string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.media.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching media at %s: %w", mediaURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media at %s: status %d", mediaURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	if err != nil {
		return nil, "", err
	}
	if contenthash.BytesLink(data) != key {
		return nil, "", fmt.Errorf("media at %s does not match its content address: %w",
			mediaURL, model.ErrInvalidSignature)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// PresignEmbeddedMediaLinks rewrites blob references into URLs a
// counterparty can fetch directly. Applied to outbound copies just before
// delivery.
func (s *Service) PresignEmbeddedMediaLinks(o model.SignedObject) model.SignedObject {
	walkStrings(map[string]any(o), func(v string) (string, bool) {
		key, ok := parseBlobRef(v)
		if !ok {
			return "", false
		}
		return s.baseURL + "/blobs/" + key, true
	})
	return o
}

func parseDataURI(v string) (mime string, data []byte, err error) {
	rest := strings.TrimPrefix(v, dataURIPrefix)
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("unsupported data uri")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSuffix(meta, ";base64"), data, nil
}

// parsePresignedRef extracts the content address from a presigned media
// URL. Ordinary URLs in payload content stay untouched.
func parsePresignedRef(v string) (key string, ok bool) {
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return "", false
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", false
	}
	i := strings.LastIndex(u.Path, presignedPathMarker)
	if i < 0 {
		return "", false
	}
	key = u.Path[i+len(presignedPathMarker):]
	return key, key != "" && !strings.Contains(key, "/")
}

func parseBlobRef(v string) (key string, ok bool) {
	if !strings.HasPrefix(v, blobPrefix) {
		return "", false
	}
	key = strings.TrimPrefix(v, blobPrefix)
	if i := strings.IndexByte(key, '?'); i >= 0 {
		key = key[:i]
	}
	return key, key != ""
}

// walkStrings visits every string value in a JSON-shaped structure and
// replaces those for which f returns true.
func walkStrings(v any, f func(string) (string, bool)) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			if str, ok := e.(string); ok {
				if replaced, changed := f(str); changed {
					t[k] = replaced
				}
				continue
			}
			walkStrings(e, f)
		}
	case []any:
		for i, e := range t {
			if str, ok := e.(string); ok {
				if replaced, changed := f(str); changed {
					t[i] = replaced
				}
				continue
			}
			walkStrings(e, f)
		}
	}
}
