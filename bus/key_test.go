package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "events/Todo/42", EventKey("Todo", "42"))
	assert.Equal(t, "events/Todo/42/7", SequencedKey("Todo", "42", 7))
	assert.Equal(t, "events/**", AllPattern())
	assert.Equal(t, "events/Todo/**", TypePattern("Todo"))
	assert.Equal(t, "events/Todo/42/**", InstancePattern("Todo", "42"))
	assert.Equal(t, "events/Todo/a%2Fb", EventKey("Todo", "a/b"))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"events/**", "events/Todo/1", true},
		{"events/**", "events/Todo/1/9", true},
		{"events/**", "events", true},
		{"events/Todo/**", "events/Todo/1/9", true},
		{"events/Todo/**", "events/Session/1/9", false},
		{"events/Todo/1/**", "events/Todo/1", true},
		{"events/Todo/1/**", "events/Todo/12/3", false},
		{"events/*/1", "events/Todo/1", true},
		{"events/*/1", "events/Todo/1/3", false},
		{"events/*/*/*", "events/Todo/1/3", true},
		{"events/Todo/1", "events/Todo/1", true},
		{"events/Todo/1", "events/Todo/1/3", false},
		{"events/Todo", "events/Todo/1", false},
		{"other/**", "events/Todo/1", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.key))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("events/**"))
	assert.NoError(t, ValidatePattern("events/*/1"))
	assert.ErrorIs(t, ValidatePattern("events/**/1"), ErrInvalidPattern)
	assert.ErrorIs(t, ValidatePattern("events//1"), ErrInvalidPattern)
	assert.ErrorIs(t, ValidatePattern(""), ErrInvalidPattern)
}

func TestParseKey(t *testing.T) {
	t.Run("sequenced key", func(t *testing.T) {
		parts, err := ParseKey("events/Todo/42/7")
		require.NoError(t, err)
		assert.Equal(t, KeyParts{AggregateType: "Todo", AggregateID: "42", Sequence: 7, HasSequence: true}, parts)
	})

	t.Run("plain key with escaped id", func(t *testing.T) {
		parts, err := ParseKey(EventKey("Todo", "a/b"))
		require.NoError(t, err)
		assert.Equal(t, "a/b", parts.AggregateID)
		assert.False(t, parts.HasSequence)
	})

	for _, bad := range []string{"", "events", "events/Todo", "other/Todo/1", "events/Todo/1/x", "events/Todo/1/2/3", "events//1"} {
		t.Run("rejects "+bad, func(t *testing.T) {
			_, err := ParseKey(bad)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}
