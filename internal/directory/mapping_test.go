package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

func TestGroupMapping(t *testing.T) {
	mapping, err := NewGroupMapping("groups.example.com")
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		id := principal.NewJitGroupID("prod", "billing", "admins")
		email := mapping.GroupEmail(id)
		assert.Equal(t, "group:jit.prod.billing.admins@groups.example.com", email.String())

		back, ok := mapping.JitGroupID(email)
		require.True(t, ok)
		assert.Equal(t, id, back)
	})

	t.Run("foreign groups are not mapped", func(t *testing.T) {
		cases := []string{
			"devs@groups.example.com",            // no jit prefix
			"jit.prod.billing.admins@other.com",  // wrong domain
			"jit.prod.admins@groups.example.com", // too few segments
		}
		for _, email := range cases {
			_, ok := mapping.JitGroupID(principal.NewGroupID(email))
			assert.False(t, ok, email)
		}
	})

	t.Run("invalid domain rejected", func(t *testing.T) {
		_, err := NewGroupMapping("")
		assert.Error(t, err)
		_, err = NewGroupMapping("a@b")
		assert.Error(t, err)
	})
}
