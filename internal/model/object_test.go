package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripRemovesOnlyVirtualProps(t *testing.T) {
	o := SignedObject{
		TypeProp:         "verimsg.Simple",
		TimeProp:         int64(1),
		"message":        "hey",
		LinkVirtual:      "bafylink",
		AuthorVirtual:    "someone",
		SigPubKeyVirtual: "abcd",
	}

	stripped := o.Strip()
	assert.Equal(t, "verimsg.Simple", stripped.Type())
	assert.Equal(t, "hey", stripped["message"])
	assert.False(t, stripped.HasVirtual())

	// The original is untouched.
	assert.Equal(t, "bafylink", o.Link())
}

func TestPickAndSetVirtual(t *testing.T) {
	o := SignedObject{
		TypeProp:      "verimsg.Simple",
		LinkVirtual:   "bafylink",
		AuthorVirtual: "someone",
	}

	picked := o.PickVirtual()
	assert.Equal(t, map[string]any{
		LinkVirtual:   "bafylink",
		AuthorVirtual: "someone",
	}, picked)

	other := SignedObject{TypeProp: "verimsg.Other"}
	other.SetVirtual(picked)
	assert.Equal(t, "bafylink", other.Link())
	assert.Equal(t, "someone", other.Author())
}

func TestCopyVirtual(t *testing.T) {
	src := SignedObject{
		TypeProp:         "verimsg.Simple",
		PermalinkVirtual: "bafyperm",
	}
	dst := SignedObject{TypeProp: "verimsg.Simple", "x": int64(1)}

	dst.CopyVirtual(src)
	assert.Equal(t, "bafyperm", dst.Permalink())
	assert.Equal(t, int64(1), dst["x"])
}

func TestCloneIsDeep(t *testing.T) {
	o := SignedObject{
		TypeProp: "verimsg.Simple",
		"nested": map[string]any{"list": []any{"a", "b"}},
	}

	clone := o.Clone()
	clone["nested"].(map[string]any)["list"].([]any)[0] = "mutated"

	require.Equal(t, "a", o["nested"].(map[string]any)["list"].([]any)[0])
}

func TestAsInt64(t *testing.T) {
	assert.Equal(t, int64(5), AsInt64(int64(5)))
	assert.Equal(t, int64(5), AsInt64(int32(5)))
	assert.Equal(t, int64(5), AsInt64(5))
	assert.Equal(t, int64(5), AsInt64(float64(5)))
	assert.Equal(t, int64(0), AsInt64("5"))
	assert.Equal(t, int64(0), AsInt64(nil))
}

func TestIntroducedIdentity(t *testing.T) {
	identity := map[string]any{
		TypeProp:  IdentityType,
		"pubkeys": []any{},
	}

	assert.NotNil(t, IntroducedIdentity(SignedObject(identity)))

	intro := SignedObject{
		TypeProp:   SelfIntroductionType,
		"identity": identity,
	}
	assert.NotNil(t, IntroducedIdentity(intro))

	plain := SignedObject{TypeProp: "verimsg.Simple"}
	assert.Nil(t, IntroducedIdentity(plain))
}

func TestSigningKeyPrefersSignPurpose(t *testing.T) {
	identity := SignedObject{
		TypeProp: IdentityType,
		"pubkeys": []any{
			map[string]any{"curve": CurveCurve25519, "pub": "aa", "purpose": PurposeUpdate},
			map[string]any{"curve": CurveEd25519, "pub": "bb", "purpose": PurposeSign},
		},
	}

	key, err := SigningKey(identity)
	require.NoError(t, err)
	assert.Equal(t, CurveEd25519, key.Curve)
	assert.Equal(t, "bb", key.Pub)
}

func TestSigningKeyFallsBackToFirst(t *testing.T) {
	identity := SignedObject{
		TypeProp: IdentityType,
		"pubkeys": []any{
			map[string]any{"curve": CurveEd25519, "pub": "cc"},
		},
	}

	key, err := SigningKey(identity)
	require.NoError(t, err)
	assert.Equal(t, "cc", key.Pub)

	_, err = SigningKey(SignedObject{TypeProp: IdentityType})
	assert.ErrorIs(t, err, ErrInvalidMessageFormat)
}
