package identities

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"verimsg/internal/cryptographic/contenthash"
	"verimsg/internal/cryptographic/dh"
	"verimsg/internal/cryptographic/signature"
	"verimsg/internal/model"
)

type (
	// Local is this instance's own identity: the signed identity resource
	// plus the private keys behind its key set. It signs every outbound
	// resource and envelope.
	Local struct {
		identity   model.SignedObject
		signingKey ed25519.PrivateKey
		updateKey  [32]byte
		permalink  string
		sigPubKey  *model.PubKey
	}
)

// NewLocal generates a fresh identity carrying an ed25519 signing key and
// a curve25519 update key, self-signed.
func NewLocal() (*Local, error) {
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	updPriv, updPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	identity := model.SignedObject{
		model.TypeProp: model.IdentityType,
		model.TimeProp: time.Now().UnixMilli(),
		"pubkeys": []any{
			map[string]any{
				"curve":   model.CurveEd25519,
				"pub":     signature.EncodePub(pub),
				"purpose": model.PurposeSign,
			},
			map[string]any{
				"curve":   model.CurveCurve25519,
				"pub":     dh.EncodePub(updPub),
				"purpose": model.PurposeUpdate,
			},
		},
	}

	signed, err := contenthash.Sign(priv, identity)
	if err != nil {
		return nil, err
	}
	_, permalink, err := contenthash.AddLinks(signed)
	if err != nil {
		return nil, err
	}

	return &Local{
		identity:   signed,
		signingKey: priv,
		updateKey:  updPriv,
		permalink:  permalink,
		sigPubKey:  &model.PubKey{Curve: model.CurveEd25519, Pub: signature.EncodePub(pub)},
	}, nil
}

// Identity returns a copy of the signed identity resource.
func (l *Local) Identity() model.SignedObject {
	return l.identity.Clone()
}

func (l *Local) Permalink() string {
	return l.permalink
}

func (l *Local) SigPubKey() *model.PubKey {
	return l.sigPubKey
}

// Sign signs a resource with the local identity and attaches the derived
// metadata, including the author permalink.
func (l *Local) Sign(o model.SignedObject) (model.SignedObject, error) {
	if o.Type() == "" {
		return nil, fmt.Errorf("cannot sign object without type: %w", model.ErrInvalidMessageFormat)
	}
	if o.Time() == 0 {
		o[model.TimeProp] = time.Now().UnixMilli()
	}

	signed, err := contenthash.Sign(l.signingKey, o)
	if err != nil {
		return nil, err
	}
	if _, _, err := contenthash.AddLinks(signed); err != nil {
		return nil, err
	}
	signed.SetVirtual(map[string]any{
		model.SigPubKeyVirtual: l.sigPubKey.Pub,
		model.AuthorVirtual:    l.permalink,
	})
	return signed, nil
}

// SignEnvelope signs the envelope's canonical form and sets its signature,
// link and signer key in place.
func (l *Local) SignEnvelope(m *model.Envelope) error {
	m.Sig = ""
	signed, err := contenthash.Sign(l.signingKey, m.ToObject())
	if err != nil {
		return err
	}
	link, err := contenthash.Link(signed)
	if err != nil {
		return err
	}
	m.Sig = signed.Sig()
	m.Link = link
	m.SigPubKey = l.sigPubKey.Pub
	return nil
}
