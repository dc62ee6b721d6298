package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCall(t *testing.T) {
	stmts, err := EncodeCall("recommend", []interface{}{"liquor", "red/blush wine"})
	require.NoError(t, err)
	require.Len(t, stmts, 5)

	assert.Equal(t, `input <- fromJSON('["liquor","red/blush wine"]')`, stmts[0])
	assert.Equal(t, "output <- recommend(input)", stmts[1])
	assert.Equal(t, "write('<s>', stdout())", stmts[2])
	assert.Equal(t, "toJSON(output)", stmts[3])
	assert.Equal(t, "write('<e>', stdout())", stmts[4])
}

func TestEncodeCallEscapesQuotesAndBackslashes(t *testing.T) {
	stmts, err := EncodeCall("f", []interface{}{`it's a \ trap`})
	require.NoError(t, err)

	// The JSON text lands inside a single-quoted R literal, so every backslash
	// and single quote must be escaped or the statement terminates early.
	assert.Equal(t, `input <- fromJSON('["it\'s a \\\\ trap"]')`, stmts[0])
}

func TestEncodeLibrary(t *testing.T) {
	assert.Equal(t, "library('rules')", EncodeLibrary("rules"))
	assert.Equal(t, `library('we\'ird')`, EncodeLibrary("we'ird"))
}

func TestFrameCollectsPayloadBetweenSentinels(t *testing.T) {
	var f Frame
	for _, line := range []string{"first line", "second line"} {
		done, err := f.Add(line)
		require.NoError(t, err)
		assert.False(t, done)
	}

	done, err := f.Add(StartLine)
	require.NoError(t, err)
	require.False(t, done)

	for _, line := range []string{"payload one", "payload two"} {
		done, err = f.Add(line)
		require.NoError(t, err)
		require.False(t, done)
	}

	done, err = f.Add(EndLine)
	require.NoError(t, err)
	require.True(t, done)

	// chatter before the start sentinel is excluded, payload order is preserved
	assert.Equal(t, "payload one\npayload two", f.Payload())
}

func TestFrameEndBeforeStartIsMalformed(t *testing.T) {
	var f Frame
	done, err := f.Add("chatter")
	require.NoError(t, err)
	require.False(t, done)

	_, err = f.Add(EndLine)
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestUnwrap(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payload string
		exp     string
	}{
		{
			name:    "typical toJSON output",
			payload: `[1] "[\"bottled beer\",0.5]"`,
			exp:     `["bottled beer",0.5]`,
		},
		{
			name:    "multiline with index marker",
			payload: "[1] \"[1,\n2]\"",
			exp:     "[1,\n2]",
		},
		{
			name:    "empty",
			payload: "",
			exp:     "",
		},
		{
			name:    "degenerate single char",
			payload: `"`,
			exp:     "",
		},
		{
			name:    "empty array",
			payload: `[1] "[]"`,
			exp:     "[]",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, Unwrap(tc.payload))
		})
	}
}

func TestDecodeValues(t *testing.T) {
	vals, err := DecodeValues(`[1] "[\"bottled beer\",0.6]"`)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "bottled beer", vals[0])
	assert.Equal(t, 0.6, vals[1])
}

func TestDecodeValuesNoResult(t *testing.T) {
	for _, payload := range []string{"", `[1] "[]"`, "[]", "   "} {
		vals, err := DecodeValues(payload)
		require.NoError(t, err, "payload %q", payload)
		assert.Nil(t, vals, "payload %q", payload)
	}
}

func TestDecodeValuesMalformed(t *testing.T) {
	_, err := DecodeValues(`[1] "{not an array"`)
	require.ErrorIs(t, err, ErrMalformedResponse)
}
