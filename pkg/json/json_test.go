package json

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalToBuffer(t *testing.T) {
	buf, err := MarshalToBuffer(map[string]string{"url": "https://a.example/?x=1&y=<2>"})
	require.NoError(t, err)
	defer PutBuffer(buf)

	assert.Equal(t, `{"url":"https://a.example/?x=1&y=<2>"}`, buf.String())
}

func TestNewDecoderKeepsNumbers(t *testing.T) {
	var out map[string]interface{}
	require.NoError(t, NewDecoder(strings.NewReader(`{"n": 12345678901234567890}`)).Decode(&out))

	assert.Equal(t, "12345678901234567890", out["n"].(interface{ String() string }).String())
}

func TestIsObject(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"a":1}`, true},
		{"  \n{}", true},
		{`[1,2]`, false},
		{`"text"`, false},
		{`42`, false},
		{``, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsObject([]byte(tt.raw)), tt.raw)
	}
}

func TestRoundTripRaw(t *testing.T) {
	type envelope struct {
		Args RawMessage `json:"args"`
	}
	var e envelope
	require.NoError(t, Unmarshal([]byte(`{"args":{"k":[1,2]}}`), &e))
	assert.JSONEq(t, `{"k":[1,2]}`, string(e.Args))
	assert.True(t, Valid(e.Args))
}
