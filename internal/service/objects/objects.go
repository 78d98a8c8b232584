package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"verimsg/internal/cryptographic/contenthash"
	"verimsg/internal/model"
	"verimsg/internal/service/tasks"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// ObjectRepo is durable content-addressed storage for signed resources.
	ObjectRepo interface {
		Get(ctx context.Context, link string) (model.SignedObject, error)
		Put(ctx context.Context, link string, o model.SignedObject) error
		Del(ctx context.Context, link string) error
	}

	// BlobRepo stores the binary media extracted from resources.
	BlobRepo interface {
		PutBlob(ctx context.Context, key string, data []byte, mime string) error
		GetBlob(ctx context.Context, key string) ([]byte, string, error)
	}

	// Cache is an optional read-through warm for hot objects.
	Cache interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
	}

	// AuthorResolver attaches author metadata. The identity directory
	// provides it; it is bound after construction because identity
	// resolution itself reads from this store.
	AuthorResolver interface {
		AddAuthorInfo(ctx context.Context, o model.SignedObject) error
	}

	// Service is the content-addressed store for signed resources: it
	// validates signatures, injects derived metadata, swaps inlined media
	// for blob references, and checks version chains.
	Service struct {
		repo    ObjectRepo
		blobs   BlobRepo
		cache   Cache
		tasks   *tasks.Manager
		baseURL string
		media   *http.Client
		authors AuthorResolver
	}
)

const cacheTTL = 10 * time.Minute

func New(repo ObjectRepo, blobs BlobRepo, cache Cache, tasks *tasks.Manager, baseURL string) *Service {
	return &Service{
		repo:    repo,
		blobs:   blobs,
		cache:   cache,
		tasks:   tasks,
		baseURL: baseURL,
		media:   &http.Client{Timeout: 10 * time.Second},
	}
}

// BindAuthorResolver closes the store <-> identity-directory cycle.
func (s *Service) BindAuthorResolver(r AuthorResolver) {
	s.authors = r
}

func (s *Service) Get(ctx context.Context, link string) (model.SignedObject, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey(link)); err == nil {
			var o map[string]any
			if err := json.Unmarshal([]byte(raw), &o); err == nil {
				return model.SignedObject(o), nil
			}
		}
	}
	return s.repo.Get(ctx, link)
}

// AddMetadata validates the resource's signature and injects the derived
// signer key, link and permalink. Mutates the argument in place so callers
// observe the metadata without a second round trip.
func (s *Service) AddMetadata(o model.SignedObject) error {
	if o.Type() == "" {
		return fmt.Errorf("object missing type: %w", model.ErrInvalidMessageFormat)
	}

	if o.SigPubKey() != "" {
		log.Warn("object already carries a signer key, be sure it was validated",
			zap.String("type", o.Type()))
	} else {
		pubKey, err := contenthash.ExtractSignerPubKey(o)
		if err != nil {
			return fmt.Errorf("for %s: %w", o.Type(), err)
		}
		o.SetVirtual(map[string]any{model.SigPubKeyVirtual: pubKey.Pub})
	}

	_, _, err := contenthash.AddLinks(o)
	return err
}

// Put validates and persists the resource. Inlined media are uploaded to
// the blob store and replaced with references in the stored form, which is
// returned; the argument keeps its original payload but gains the derived
// metadata.
func (s *Service) Put(ctx context.Context, o model.SignedObject) (model.SignedObject, error) {
	// A resource carrying both its signer key and link was finalized
	// upstream; recomputing them here would write into a payload concurrent
	// readers may hold.
	switch {
	case o.SigPubKey() != "" && o.Link() != "":
	case o.SigPubKey() != "":
		if _, _, err := contenthash.AddLinks(o); err != nil {
			return nil, err
		}
	default:
		if err := s.AddMetadata(o); err != nil {
			return nil, err
		}
	}

	// Timestamps are assigned where the resource is signed. Patching one in
	// after the fact would detach the stored form from its verified link.
	if o.Time() == 0 {
		return nil, fmt.Errorf("object %s missing timestamp: %w", o.Type(), model.ErrInvalidMessageFormat)
	}

	stored := o.Clone()
	if err := s.replaceEmbeds(ctx, stored); err != nil {
		return nil, err
	}

	log.Debug("putting object",
		zap.String("type", o.Type()),
		zap.String("link", o.Link()))
	if err := s.repo.Put(ctx, o.Link(), stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Service) Del(ctx context.Context, link string) error {
	return s.repo.Del(ctx, link)
}

// Prefetch warms the cache for a link. Fire and forget; errors are
// swallowed.
func (s *Service) Prefetch(link string) {
	s.tasks.Add("prefetch", func(ctx context.Context) error {
		o, err := s.repo.Get(ctx, link)
		if err != nil || s.cache == nil {
			return err
		}
		data, err := json.Marshal(map[string]any(o))
		if err != nil {
			return err
		}
		return s.cache.Set(ctx, cacheKey(link), data, cacheTTL)
	})
}

// ValidateNewVersion checks that the resource is a legitimate successor of
// the version named by its prevlink: same author, declared version strictly
// later, permalink consistent across the chain. A missing previous version
// surfaces as ErrNotFound so callers can decide whether to skip validation.
func (s *Service) ValidateNewVersion(ctx context.Context, o model.SignedObject) error {
	previous, err := s.Get(ctx, o.Prevlink())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.Author() == "" {
		g.Go(func() error { return s.authors.AddAuthorInfo(gctx, o) })
	}
	if previous.Author() == "" {
		g.Go(func() error { return s.authors.AddAuthorInfo(gctx, previous) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if o.Author() != previous.Author() {
		return fmt.Errorf("expected %s, got %s: %w", previous.Author(), o.Author(), model.ErrInvalidAuthor)
	}

	if o.Version() <= previous.Version() {
		return fmt.Errorf("version %d does not supersede %d: %w",
			o.Version(), previous.Version(), model.ErrInvalidVersion)
	}
	if o.OrigLink() != previous.Permalink() {
		return fmt.Errorf("permalink changed across versions: %w", model.ErrInvalidVersion)
	}
	if prevlink := o.Prevlink(); prevlink != previous.Link() {
		return fmt.Errorf("prevlink %s does not name the previous version: %w", prevlink, model.ErrInvalidVersion)
	}
	return nil
}

func cacheKey(link string) string {
	return "objects:" + link
}
