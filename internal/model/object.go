package model

// Canonical property names. These are part of the signed byte sequence and
// travel on the wire.
const (
	TypeProp      = "_t"
	SigProp       = "_s"
	TimeProp      = "_time"
	VersionProp   = "_v"
	PrevlinkProp  = "_r"
	PermalinkProp = "_o"
)

// Virtual property names. Derived metadata, attached after validation and
// never part of the signed byte sequence.
const (
	LinkVirtual          = "_link"
	PermalinkVirtual     = "_permalink"
	AuthorVirtual        = "_author"
	RecipientVirtual     = "_recipient"
	SigPubKeyVirtual     = "_sigPubKey"
	InboundVirtual       = "_inbound"
	PayloadLinkVirtual   = "_payloadLink"
	PayloadTypeVirtual   = "_payloadType"
	PayloadAuthorVirtual = "_payloadAuthor"
)

// Resource type tags.
const (
	MessageType                = "verimsg.Message"
	IdentityType               = "verimsg.Identity"
	SelfIntroductionType       = "verimsg.SelfIntroduction"
	IntroductionType           = "verimsg.Introduction"
	IdentityPublishRequestType = "verimsg.IdentityPublishRequest"
	PushNotificationType       = "verimsg.PushNotification"
)

var virtualProps = []string{
	LinkVirtual,
	PermalinkVirtual,
	AuthorVirtual,
	RecipientVirtual,
	SigPubKeyVirtual,
	InboundVirtual,
	PayloadLinkVirtual,
	PayloadTypeVirtual,
	PayloadAuthorVirtual,
}

type (
	// SignedObject is an application resource: a set of canonical (signed)
	// properties plus derived virtual metadata, kept in one map the way the
	// resource travels on the wire. Virtual properties all start with an
	// underscore and are listed in virtualProps; Strip and SetVirtual are the
	// only ways they enter or leave the object.
	SignedObject map[string]any
)

func (o SignedObject) Type() string      { return o.str(TypeProp) }
func (o SignedObject) Sig() string       { return o.str(SigProp) }
func (o SignedObject) Prevlink() string  { return o.str(PrevlinkProp) }
func (o SignedObject) OrigLink() string  { return o.str(PermalinkProp) }
func (o SignedObject) Time() int64       { return AsInt64(o[TimeProp]) }
func (o SignedObject) Version() int64    { return AsInt64(o[VersionProp]) }
func (o SignedObject) Link() string      { return o.str(LinkVirtual) }
func (o SignedObject) Permalink() string { return o.str(PermalinkVirtual) }
func (o SignedObject) Author() string    { return o.str(AuthorVirtual) }
func (o SignedObject) SigPubKey() string { return o.str(SigPubKeyVirtual) }

func (o SignedObject) str(prop string) string {
	s, _ := o[prop].(string)
	return s
}

// Strip returns a copy holding only canonical properties. The result is what
// gets serialized for hashing and signing.
func (o SignedObject) Strip() SignedObject {
	out := make(SignedObject, len(o))
	for k, v := range o {
		out[k] = v
	}
	for _, p := range virtualProps {
		delete(out, p)
	}
	return out
}

// PickVirtual returns only the virtual properties of the object.
func (o SignedObject) PickVirtual() map[string]any {
	out := make(map[string]any)
	for _, p := range virtualProps {
		if v, ok := o[p]; ok {
			out[p] = v
		}
	}
	return out
}

// SetVirtual attaches derived metadata to the object.
func (o SignedObject) SetVirtual(props map[string]any) SignedObject {
	for k, v := range props {
		o[k] = v
	}
	return o
}

// CopyVirtual copies all virtual properties from src onto o.
func (o SignedObject) CopyVirtual(src SignedObject) SignedObject {
	return o.SetVirtual(src.PickVirtual())
}

// HasVirtual reports whether the object carries any virtual property.
// Inbound resources must arrive bare.
func (o SignedObject) HasVirtual() bool {
	for _, p := range virtualProps {
		if _, ok := o[p]; ok {
			return true
		}
	}
	return false
}

// Clone makes a deep copy of the object. Payload values are plain JSON
// types (maps, slices, strings, numbers, bools), so a structural walk is
// sufficient.
func (o SignedObject) Clone() SignedObject {
	return SignedObject(cloneValue(map[string]any(o)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case SignedObject:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// AsInt64 coerces the numeric representations that show up after JSON or
// BSON decoding into an int64.
func AsInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	}
	return 0
}
