package model

import (
	"encoding/json"
	"fmt"
)

// Envelope properties beyond the common canonical set.
const (
	SeqProp             = "_n"
	PrevToRecipientProp = "_q"
	MsgTimeProp         = "time"
	RecipientKeyProp    = "recipientPubKey"
	ObjectProp          = "object"
	SealProp            = "seal"
)

type (
	// Envelope wraps a payload resource for transit between two identities.
	// Canonical fields are signed; the remaining fields are derived metadata
	// attached during processing.
	Envelope struct {
		Sig             string
		Time            int64
		Seq             int64
		PrevToRecipient string
		RecipientPubKey *PubKey
		Object          SignedObject
		Seal            *SealRef

		// Derived, never signed.
		Link          string
		SigPubKey     string
		Author        string
		Recipient     string
		Inbound       bool
		PayloadLink   string
		PayloadType   string
		PayloadAuthor string
	}

	// SealRef is an external anchoring reference for the payload, watched
	// asynchronously after acceptance.
	SealRef struct {
		Blockchain string `json:"blockchain" bson:"blockchain"`
		Network    string `json:"network" bson:"network"`
		Link       string `json:"link" bson:"link"`
		BasePubKey string `json:"basePubKey" bson:"basePubKey"`
	}

	// Cursor is a positional marker in a recipient's outbound order, used to
	// resume "after a given envelope" rather than purely by timestamp.
	Cursor struct {
		Time int64 `json:"time"`
		Seq  int64 `json:"seq"`
	}

	// SeqAndLink is the allocation state for the next outbound envelope to a
	// recipient.
	SeqAndLink struct {
		Seq  int64
		Link string
	}
)

// ToObject renders the envelope as a signed object: canonical properties
// only, with the recipient key in wire form and the payload stripped of
// virtual metadata. Hashing and signing operate on this form.
func (m *Envelope) ToObject() SignedObject {
	o := SignedObject{
		TypeProp:    MessageType,
		MsgTimeProp: m.Time,
		SeqProp:     m.Seq,
	}
	if m.Sig != "" {
		o[SigProp] = m.Sig
	}
	if m.PrevToRecipient != "" {
		o[PrevToRecipientProp] = m.PrevToRecipient
	}
	if m.RecipientPubKey != nil {
		o[RecipientKeyProp] = m.RecipientPubKey.String()
	}
	if m.Object != nil {
		o[ObjectProp] = map[string]any(m.Object.Strip())
	}
	if m.Seal != nil {
		o[SealProp] = map[string]any{
			"blockchain": m.Seal.Blockchain,
			"network":    m.Seal.Network,
			"link":       m.Seal.Link,
			"basePubKey": m.Seal.BasePubKey,
		}
	}
	return o
}

// EnvelopeFromObject parses a signed object back into an envelope. The
// translation is symmetric with ToObject and lossless for canonical fields.
func EnvelopeFromObject(o SignedObject) (*Envelope, error) {
	if o.Type() != MessageType {
		return nil, fmt.Errorf("expected %s, got %q: %w", MessageType, o.Type(), ErrInvalidMessageFormat)
	}

	m := &Envelope{
		Sig:             o.Sig(),
		Time:            AsInt64(o[MsgTimeProp]),
		Seq:             AsInt64(o[SeqProp]),
		PrevToRecipient: o.str(PrevToRecipientProp),
	}

	if raw, ok := o[RecipientKeyProp].(string); ok {
		key, err := ParsePubKey(raw)
		if err != nil {
			return nil, err
		}
		m.RecipientPubKey = key
	}

	if payload, ok := o[ObjectProp].(map[string]any); ok {
		m.Object = SignedObject(payload)
	}

	if seal, ok := o[SealProp].(map[string]any); ok {
		ref := &SealRef{}
		ref.Blockchain, _ = seal["blockchain"].(string)
		ref.Network, _ = seal["network"].(string)
		ref.Link, _ = seal["link"].(string)
		ref.BasePubKey, _ = seal["basePubKey"].(string)
		m.Seal = ref
	}

	return m, nil
}

func (m *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(m.ToObject()))
}

func (m *Envelope) UnmarshalJSON(data []byte) error {
	var o map[string]any
	if err := json.Unmarshal(data, &o); err != nil {
		return err
	}
	parsed, err := EnvelopeFromObject(SignedObject(o))
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// StripData returns a copy of the envelope whose payload keeps only its
// virtual metadata; the body lives in the object store and is re-attached
// on read.
func (m *Envelope) StripData() *Envelope {
	out := *m
	if m.Object != nil {
		out.Object = SignedObject(m.Object.PickVirtual())
	}
	return &out
}

// Cursor returns the envelope's position in its recipient's outbound order.
func (m *Envelope) CursorAfter() *Cursor {
	return &Cursor{Time: m.Time, Seq: m.Seq}
}
