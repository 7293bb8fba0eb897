package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
)

func TestBuilderAssignsID(t *testing.T) {
	p, err := New().Method("introspect").Build()
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID())
	assert.Equal(t, "introspect", p.Method())
	assert.Empty(t, p.Event())
	assert.False(t, p.HasArgs())
}

func TestBuilderKeepsExplicitID(t *testing.T) {
	p := New().ID("abc").Event("oauth-updated").MustBuild()
	assert.Equal(t, "abc", p.ID())
}

func TestBuilderRejectsInvalidPackets(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"dotted method", New().Method("companies.getPage")},
		{"method and event", New().Method("query").Event("log")},
		{"unencodable args", New().Method("query").Args(func() {})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			assert.Error(t, err)
		})
	}
}

func TestWithCorrelationCopies(t *testing.T) {
	p := New().Method("new-task").MustBuild()
	q := p.WithCorrelation(p.ID())

	assert.Empty(t, p.CorrelationID())
	assert.Equal(t, p.ID(), q.CorrelationID())
	assert.Equal(t, p.ID(), q.ID())
}

func TestArgsAreImmutable(t *testing.T) {
	p := New().Method("query").Args(map[string]int{"a": 1}).MustBuild()
	args := p.Args()
	args[0] = '['

	assert.JSONEq(t, `{"a":1}`, string(p.Args()))
}

func TestDecodeArgs(t *testing.T) {
	p := New().Method("query").Args(map[string]interface{}{"name": "companies.getPage"}).MustBuild()

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, p.DecodeArgs(&out))
	assert.Equal(t, "companies.getPage", out.Name)

	bad := New().Method("query").RawArgs([]byte(`[1,2]`)).MustBuild()
	err := bad.DecodeArgs(&out)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestIsReply(t *testing.T) {
	assert.True(t, New().Correlation("c1").MustBuild().IsReply())
	assert.False(t, New().Correlation("c1").Method("query").MustBuild().IsReply())
	assert.False(t, New().Event("ping").MustBuild().IsReply())
}

func TestFrameRoundTrip(t *testing.T) {
	first := New().Method("query").Correlation("k1").Args(map[string]string{"q": "x"}).MustBuild()
	second := New().Event("log").MustBuild()

	data, err := EncodeFrame([]Packet{first, second})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"p":[`)
	assert.Contains(t, string(data), `"correlationId":"k1"`)

	decoded, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, first.ID(), decoded[0].ID())
	assert.Equal(t, "k1", decoded[0].CorrelationID())
	assert.JSONEq(t, `{"q":"x"}`, string(decoded[0].Args()))
	assert.Equal(t, "log", decoded[1].Event())
}

func TestDecodeFrameAssignsMissingIDs(t *testing.T) {
	decoded, err := DecodeFrame([]byte(`{"p":[{"method":"introspect"}]}`))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.NotEmpty(t, decoded[0].ID())
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"p":`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))
}

func TestEncodeEmptyFrame(t *testing.T) {
	data, err := EncodeFrame(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":[]}`, string(data))
}
