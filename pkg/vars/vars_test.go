package vars_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/vars"
)

func TestExpand_RecursiveFixedPoint(t *testing.T) {
	// A -> $(B) -> $(C) -> "value" resolves in three passes.
	p := vars.MapProvider{
		"A": "$(B)",
		"B": "$(C)",
		"C": "value",
	}

	got, err := vars.Expand("$(A)", p)
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestExpand_PlainText(t *testing.T) {
	got, err := vars.Expand("prefix-$(FOO)-suffix", vars.MapProvider{"FOO": "bar"})
	require.NoError(t, err)
	assert.Equal(t, "prefix-bar-suffix", got)
}

func TestExpand_UnresolvedVariable(t *testing.T) {
	_, err := vars.Expand("$(MISSING)", vars.MapProvider{})
	require.Error(t, err)
	var target *vars.UnresolvedVariableError
	assert.ErrorAs(t, err, &target)
}

func TestExpand_RecursionLimit(t *testing.T) {
	// A -> $(A) never converges.
	_, err := vars.Expand("$(A)", vars.MapProvider{"A": "$(A)"})
	require.Error(t, err)
	var target *vars.RecursionLimitError
	assert.ErrorAs(t, err, &target)
}

func TestExpand_ProviderOrderFirstWins(t *testing.T) {
	got, err := vars.Expand("$(NAME)",
		vars.MapProvider{"NAME": "first"},
		vars.MapProvider{"NAME": "second"},
	)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestExpand_DollarWithoutParenIsLiteral(t *testing.T) {
	got, err := vars.Expand("cost: $5", vars.MapProvider{})
	require.NoError(t, err)
	assert.Equal(t, "cost: $5", got)
}

func TestExpand_NestedVariableName(t *testing.T) {
	p := vars.MapProvider{
		"DEP":         "ZLIB",
		"ZLIB_INCDIR": "/opt/zlib/include",
	}
	got, err := vars.Expand("-I$($(DEP)_INCDIR)", p)
	require.NoError(t, err)
	assert.Equal(t, "-I/opt/zlib/include", got)
}
