package safety

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/fault"
)

func TestValidateAcceptsOrdinaryText(t *testing.T) {
	v := NewValidator(0)
	require.NoError(t, v.Validate("All good.\nSecond line.\tTabbed.\r\n"))
	require.NoError(t, v.Validate(""))
	require.NoError(t, v.Validate("unicode is fine: héllo, 世界, emoji 🚀"))
}

func TestValidateRejectsOversize(t *testing.T) {
	v := NewValidator(16)
	err := v.Validate(strings.Repeat("a", 17))
	require.Error(t, err)
	require.Equal(t, fault.UnsafeAgentOutput, fault.KindOf(err))
	require.NoError(t, v.Validate(strings.Repeat("a", 16)))
}

func TestValidateRejectsControlChars(t *testing.T) {
	v := NewValidator(0)
	for _, r := range []rune{0x00, 0x01, 0x08, 0x0B, 0x0C, 0x0E, 0x1F, 0x7F} {
		err := v.Validate("prefix" + string(r) + "suffix")
		require.Error(t, err, "rune %#x must be rejected", r)
		require.Equal(t, fault.UnsafeAgentOutput, fault.KindOf(err))
	}
	for _, r := range []rune{'\t', '\n', '\r'} {
		require.NoError(t, v.Validate("a"+string(r)+"b"), "rune %#x must be allowed", r)
	}
}

func TestValidateRejectsBidiAndZeroWidth(t *testing.T) {
	v := NewValidator(0)
	for _, r := range []rune{0x202A, 0x202E, 0x2066, 0x2069, 0x200B, 0x200C, 0x200D, 0x2060, 0xFEFF} {
		err := v.Validate("x" + string(r) + "y")
		require.Error(t, err, "rune %#x must be rejected", r)
		require.Equal(t, fault.UnsafeAgentOutput, fault.KindOf(err))
	}
}

func TestValidateAcceptsPrintableASCII(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	v := NewValidator(0)
	properties.Property("printable ASCII always passes", prop.ForAll(
		func(s string) bool {
			return v.Validate(s) == nil
		},
		gen.RegexMatch(`[ -~]*`),
	))
	properties.TestingRun(t)
}
