package contenthash

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"verimsg/internal/cryptographic/signature"
	"verimsg/internal/model"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CanonicalBytes serializes the canonical (non-virtual) properties of a
// resource. Map keys are emitted in sorted order, so equal resources always
// produce equal bytes. Virtual metadata never reaches this function's output.
func CanonicalBytes(o model.SignedObject) ([]byte, error) {
	return json.Marshal(map[string]any(o.Strip()))
}

// Link computes the content address of a resource's canonical signed form:
// a CIDv1 string using the raw multicodec and a sha2-256 multihash.
func Link(o model.SignedObject) (string, error) {
	data, err := CanonicalBytes(o)
	if err != nil {
		return "", err
	}
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// BytesLink content-addresses a raw byte string, used as the storage key
// for extracted media.
func BytesLink(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// AddLinks computes and attaches the resource's link and permalink. The
// permalink is the declared original link for later versions, and the link
// itself for first versions.
func AddLinks(o model.SignedObject) (link, permalink string, err error) {
	link, err = Link(o)
	if err != nil {
		return "", "", err
	}
	permalink = o.OrigLink()
	if permalink == "" {
		permalink = link
	}
	o.SetVirtual(map[string]any{
		model.LinkVirtual:      link,
		model.PermalinkVirtual: permalink,
	})
	return link, permalink, nil
}

// Sign signs the canonical form of the resource and embeds the signature as
// "curve:pubhex:sighex". The signed bytes exclude both the signature
// property and all virtual metadata.
func Sign(key ed25519.PrivateKey, o model.SignedObject) (model.SignedObject, error) {
	out := o.Strip()
	delete(out, model.SigProp)

	data, err := json.Marshal(map[string]any(out))
	if err != nil {
		return nil, err
	}

	sig := signature.ED25519Sign(key, data)
	pub := key.Public().(ed25519.PublicKey)
	out[model.SigProp] = fmt.Sprintf("%s:%s:%s",
		model.CurveEd25519, signature.EncodePub(pub), hex.EncodeToString(sig))
	return out, nil
}

// ExtractSignerPubKey verifies the embedded signature against the resource's
// canonical bytes and returns the signer's public key. Any structural or
// cryptographic failure surfaces as ErrInvalidSignature.
func ExtractSignerPubKey(o model.SignedObject) (*model.PubKey, error) {
	raw := o.Sig()
	if raw == "" {
		return nil, fmt.Errorf("object has no signature: %w", model.ErrInvalidSignature)
	}

	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] != model.CurveEd25519 {
		return nil, fmt.Errorf("malformed signature: %w", model.ErrInvalidSignature)
	}

	pub, err := signature.DecodePub(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrInvalidSignature)
	}

	sig, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed signature bytes: %w", model.ErrInvalidSignature)
	}

	unsigned := o.Strip()
	delete(unsigned, model.SigProp)
	data, err := json.Marshal(map[string]any(unsigned))
	if err != nil {
		return nil, err
	}

	if !signature.ED25519Verify(pub, data, sig) {
		return nil, fmt.Errorf("signature does not verify: %w", model.ErrInvalidSignature)
	}

	return &model.PubKey{Curve: parts[0], Pub: parts[1]}, nil
}
