package identities

import (
	"context"
	"fmt"

	"verimsg/internal/cryptographic/contenthash"
	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// MappingRepo is the durable pub -> {link, permalink} table.
	MappingRepo interface {
		Get(ctx context.Context, pub string) (*model.PubKeyMapping, error)
		Put(ctx context.Context, mapping *model.PubKeyMapping) error
		FindByPermalink(ctx context.Context, permalink string) (*model.PubKeyMapping, error)
	}

	// ObjectStore is the slice of the object store the directory needs.
	ObjectStore interface {
		Get(ctx context.Context, link string) (model.SignedObject, error)
		Put(ctx context.Context, o model.SignedObject) (model.SignedObject, error)
		AddMetadata(o model.SignedObject) error
	}

	// Service resolves public keys to identities and admits new
	// counterparties under the collision policy.
	Service struct {
		mappings MappingRepo
		objects  ObjectStore
	}
)

func New(mappings MappingRepo, objects ObjectStore) *Service {
	return &Service{
		mappings: mappings,
		objects:  objects,
	}
}

// MetadataByPub is the root of all author resolution.
func (s *Service) MetadataByPub(ctx context.Context, pub string) (*model.PubKeyMapping, error) {
	return s.mappings.Get(ctx, pub)
}

func (s *Service) ByPub(ctx context.Context, pub string) (model.SignedObject, error) {
	mapping, err := s.mappings.Get(ctx, pub)
	if err != nil {
		return nil, err
	}
	identity, err := s.objects.Get(ctx, mapping.Link)
	if err != nil {
		log.Debug("unknown identity", zap.String("pub", pub), zap.Error(err))
		return nil, fmt.Errorf("identity with pub %s: %w", pub, model.ErrNotFound)
	}
	return identity, nil
}

func (s *Service) ByPermalink(ctx context.Context, permalink string) (model.SignedObject, error) {
	mapping, err := s.mappings.FindByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	identity, err := s.objects.Get(ctx, mapping.Link)
	if err != nil {
		log.Debug("unknown identity", zap.String("permalink", permalink), zap.Error(err))
		return nil, fmt.Errorf("identity with permalink %s: %w", permalink, model.ErrNotFound)
	}
	return identity, nil
}

// ExistingMapping fans out a lookup per public key listed in the candidate
// identity and resolves with the first lookup that succeeds, not the first
// issued. When every lookup fails there is no existing mapping.
func (s *Service) ExistingMapping(ctx context.Context, identity model.SignedObject) (*model.PubKeyMapping, error) {
	keys := model.IdentityKeys(identity)
	if len(keys) == 0 {
		return nil, fmt.Errorf("identity has no pubkeys: %w", model.ErrNotFound)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *model.PubKeyMapping, len(keys))
	for _, key := range keys {
		key := key
		go func() {
			mapping, err := s.mappings.Get(ctx, key.Pub)
			if err != nil {
				results <- nil
				return
			}
			results <- mapping
		}()
	}

	for range keys {
		if mapping := <-results; mapping != nil {
			return mapping, nil
		}
	}
	return nil, fmt.Errorf("no mapping for identity: %w", model.ErrNotFound)
}

// ValidateNewContact checks a candidate identity against the directory.
// A known identity comes back with exists=true, meaning no write is
// required. A new version of a known identity is accepted only when its
// prevlink names the mapped version; anything else sharing a key with a
// different identity is a collision and is rejected outright.
func (s *Service) ValidateNewContact(ctx context.Context, identity model.SignedObject) (model.SignedObject, bool, error) {
	identity = identity.Strip()

	existing, err := s.ExistingMapping(ctx, identity)
	if err != nil && model.IgnoreNotFound(err) != nil {
		return nil, false, err
	}

	link, permalink, err := contenthash.AddLinks(identity)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		if existing.Link == link {
			log.Debug("identity mapping is already up to date", zap.String("permalink", permalink))
			return identity, true, nil
		}
		if identity.Prevlink() != existing.Link {
			log.Warn("refusing to add contact", zap.String("link", link))
			return nil, false, fmt.Errorf("identity with link %q: %w", link, model.ErrIdentityCollision)
		}
	}

	return identity, false, nil
}

// AddContact persists a mapping for every public key in the identity and
// stores the identity resource itself. All writes run concurrently and all
// must succeed.
func (s *Service) AddContact(ctx context.Context, identity model.SignedObject) error {
	link, permalink, err := contenthash.AddLinks(identity)
	if err != nil {
		return err
	}

	log.Debug("adding contact", zap.String("permalink", permalink))
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range model.IdentityKeys(identity) {
		key := key
		g.Go(func() error {
			return s.mappings.Put(gctx, &model.PubKeyMapping{
				Pub:       key.Pub,
				Link:      link,
				Permalink: permalink,
			})
		})
	}
	g.Go(func() error {
		_, err := s.objects.Put(gctx, identity)
		return err
	})
	return g.Wait()
}

// ValidateAndAdd admits a contact, idempotently: when the mapping already
// matches nothing is written.
func (s *Service) ValidateAndAdd(ctx context.Context, identity model.SignedObject) error {
	validated, exists, err := s.ValidateNewContact(ctx, identity)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.AddContact(ctx, validated)
}

// AddAuthorInfo attaches the signer's permalink as author metadata,
// computing the signer key first when absent. Message-typed resources also
// get their recipient resolved from the envelope's recipient public key.
func (s *Service) AddAuthorInfo(ctx context.Context, o model.SignedObject) error {
	if o.SigPubKey() == "" {
		if err := s.objects.AddMetadata(o); err != nil {
			return err
		}
	}

	author, err := s.mappings.Get(ctx, o.SigPubKey())
	if err != nil {
		return err
	}
	o.SetVirtual(map[string]any{model.AuthorVirtual: author.Permalink})

	if o.Type() == model.MessageType {
		if raw, ok := o[model.RecipientKeyProp].(string); ok {
			key, err := model.ParsePubKey(raw)
			if err != nil {
				return err
			}
			recipient, err := s.mappings.Get(ctx, key.Pub)
			if err != nil {
				return err
			}
			o.SetVirtual(map[string]any{model.RecipientVirtual: recipient.Permalink})
		}
	}
	return nil
}

// AddEnvelopeAuthorInfo resolves the envelope's author and recipient from
// its signer and recipient keys.
func (s *Service) AddEnvelopeAuthorInfo(ctx context.Context, m *model.Envelope) error {
	if m.SigPubKey == "" {
		pubKey, err := contenthash.ExtractSignerPubKey(m.ToObject())
		if err != nil {
			return err
		}
		m.SigPubKey = pubKey.Pub
	}

	author, err := s.mappings.Get(ctx, m.SigPubKey)
	if err != nil {
		return err
	}
	m.Author = author.Permalink

	if m.RecipientPubKey != nil {
		recipient, err := s.mappings.Get(ctx, m.RecipientPubKey.Pub)
		if err != nil {
			return err
		}
		m.Recipient = recipient.Permalink
	}
	return nil
}
