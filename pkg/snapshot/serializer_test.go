package snapshot

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializers_RoundTrip(t *testing.T) {
	compressed, err := Compressed(JSONSerializer{})
	require.NoError(t, err)

	state := userNames{Names: map[string]string{uuid.NewString(): "ann", uuid.NewString(): "bob"}, Count: 2}

	for _, s := range []Serializer{JSONSerializer{}, MsgpackSerializer{}, compressed} {
		t.Run(s.ID(), func(t *testing.T) {
			data, err := s.Serialize(state)
			require.NoError(t, err)

			var got userNames
			require.NoError(t, s.Deserialize(data, &got))
			assert.Equal(t, state, got)
		})
	}
}

func TestSerializer_IDs(t *testing.T) {
	compressed, err := Compressed(MsgpackSerializer{})
	require.NoError(t, err)

	assert.Equal(t, "json", JSONSerializer{}.ID())
	assert.Equal(t, "msgpack", MsgpackSerializer{}.ID())
	assert.Equal(t, "zstd+msgpack", compressed.ID())
	assert.True(t, Compresses(compressed))
	assert.False(t, Compresses(JSONSerializer{}))
}

func TestCompressedSerializer_RejectsGarbage(t *testing.T) {
	s, err := Compressed(JSONSerializer{})
	require.NoError(t, err)

	var got userNames
	assert.Error(t, s.Deserialize([]byte("not zstd"), &got))
}

func TestByName(t *testing.T) {
	t.Run("json is the default", func(t *testing.T) {
		s, err := ByName("", false)
		require.NoError(t, err)
		assert.Equal(t, "json", s.ID())
	})

	t.Run("msgpack with compression", func(t *testing.T) {
		s, err := ByName("msgpack", true)
		require.NoError(t, err)
		assert.Equal(t, "zstd+msgpack", s.ID())
	})

	t.Run("rejects unknown", func(t *testing.T) {
		_, err := ByName("xml", false)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown serializer")
	})
}
