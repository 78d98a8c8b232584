package model

import (
	"fmt"
	"strings"
)

type (
	// PubKey identifies a public key by curve and hex-encoded bytes. The wire
	// form is "curve:hexbytes"; the stored and in-memory form is structured.
	PubKey struct {
		Curve string `json:"curve" bson:"curve"`
		Pub   string `json:"pub" bson:"pub"`
	}

	// PubKeyMapping maps a single public key to the identity resource that
	// currently owns it. At most one mapping exists per pub.
	PubKeyMapping struct {
		Pub       string `bson:"_id"`
		Link      string `bson:"link"`
		Permalink string `bson:"permalink"`
	}

	// IdentityKey is one entry of an identity's pubkeys set.
	IdentityKey struct {
		Curve   string `json:"curve"`
		Pub     string `json:"pub"`
		Purpose string `json:"purpose,omitempty"`
	}

	// Friend is a counterparty with a known direct endpoint, usable for
	// delivery when no live session exists.
	Friend struct {
		Permalink string `bson:"_id"`
		URL       string `bson:"url"`
		Name      string `bson:"name,omitempty"`
	}
)

func (k PubKey) String() string {
	return k.Curve + ":" + k.Pub
}

// ParsePubKey parses the "curve:hexbytes" wire form.
func ParsePubKey(s string) (*PubKey, error) {
	curve, pub, ok := strings.Cut(s, ":")
	if !ok || curve == "" || pub == "" {
		return nil, fmt.Errorf("pubkey %q: %w", s, ErrInvalidMessageFormat)
	}
	return &PubKey{Curve: curve, Pub: pub}, nil
}

// Curve names used in identity key sets.
const (
	CurveEd25519    = "ed25519"
	CurveCurve25519 = "curve25519"
)

// Key purposes.
const (
	PurposeSign   = "sign"
	PurposeUpdate = "update"
)

// IdentityKeys extracts the pubkeys set from an identity resource.
func IdentityKeys(identity SignedObject) []IdentityKey {
	raw, _ := identity["pubkeys"].([]any)
	keys := make([]IdentityKey, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		k := IdentityKey{}
		k.Curve, _ = m["curve"].(string)
		k.Pub, _ = m["pub"].(string)
		k.Purpose, _ = m["purpose"].(string)
		if k.Pub != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// SigningKey returns the identity's signing key, falling back to the first
// listed key when no purpose is declared.
func SigningKey(identity SignedObject) (*PubKey, error) {
	keys := IdentityKeys(identity)
	for _, k := range keys {
		if k.Purpose == PurposeSign {
			return &PubKey{Curve: k.Curve, Pub: k.Pub}, nil
		}
	}
	if len(keys) > 0 {
		return &PubKey{Curve: keys[0].Curve, Pub: keys[0].Pub}, nil
	}
	return nil, fmt.Errorf("identity has no signing key: %w", ErrInvalidMessageFormat)
}

// IntroducedIdentity returns the identity a payload introduces, if any:
// either the payload itself, or the identity carried by an introduction
// variant. Nil when the payload introduces nothing.
func IntroducedIdentity(payload SignedObject) SignedObject {
	switch payload.Type() {
	case IdentityType:
		return payload
	case SelfIntroductionType, IntroductionType, IdentityPublishRequestType:
		if m, ok := payload["identity"].(map[string]any); ok {
			return SignedObject(m)
		}
	}
	return nil
}
