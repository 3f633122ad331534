package principal

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("round-trips all variants", func(t *testing.T) {
		tests := []struct {
			in   string
			want ID
		}{
			{"user:alice@example.com", NewEndUserID("alice@example.com")},
			{"group:eng@example.com", NewGroupID("eng@example.com")},
			{"serviceAccount:broker@proj.iam.gserviceaccount.com", NewServiceAccountID("broker@proj.iam.gserviceaccount.com")},
			{"jit-group:env-1.sys-1.g-1", NewJitGroupID("env-1", "sys-1", "g-1")},
			{"class:authenticatedUsers", AuthenticatedUsers},
			{"domain:example.com", NewDomainSetID("example.com")},
		}

		for _, tt := range tests {
			t.Run(tt.in, func(t *testing.T) {
				got, err := Parse(tt.in)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				assert.Equal(t, tt.in, got.String())
			})
		}
	})

	t.Run("prefix and value are case-insensitive", func(t *testing.T) {
		got, err := Parse("USER:Alice@Example.COM")
		require.NoError(t, err)
		assert.Equal(t, NewEndUserID("alice@example.com"), got)
		assert.Equal(t, "user:alice@example.com", got.String())
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, in := range []string{"", "alice@example.com", "user:", "wizard:gandalf", "jit-group:only.two"} {
			_, err := Parse(in)
			assert.Error(t, err, "input %q", in)
		}
	})

	t.Run("rejects unknown user class", func(t *testing.T) {
		_, err := Parse("class:wheelGroup")
		assert.Error(t, err)
	})
}

func TestParseIam(t *testing.T) {
	t.Run("accepts bindable principals", func(t *testing.T) {
		for _, in := range []string{
			"user:alice@example.com",
			"group:eng@example.com",
			"serviceAccount:broker@proj.iam.gserviceaccount.com",
			"jit-group:env-1.sys-1.g-1",
		} {
			_, err := ParseIam(in)
			assert.NoError(t, err, "input %q", in)
		}
	})

	t.Run("rejects classes and domains", func(t *testing.T) {
		for _, in := range []string{"class:authenticatedUsers", "domain:example.com"} {
			_, err := ParseIam(in)
			assert.Error(t, err, "input %q", in)
		}
	})
}

func TestCompare(t *testing.T) {
	ids := []ID{
		NewEndUserID("bob@example.com"),
		NewGroupID("eng@example.com"),
		NewEndUserID("alice@example.com"),
		AuthenticatedUsers,
	}
	sort.Slice(ids, func(i, j int) bool { return Compare(ids[i], ids[j]) < 0 })

	assert.Equal(t, []ID{
		AuthenticatedUsers,
		NewGroupID("eng@example.com"),
		NewEndUserID("alice@example.com"),
		NewEndUserID("bob@example.com"),
	}, ids)
}

func TestTimeBound(t *testing.T) {
	now := time.Now()
	user := NewEndUserID("alice@example.com")

	t.Run("permanent principals are always valid", func(t *testing.T) {
		assert.True(t, Permanent(user).Valid(now))
		assert.True(t, Permanent(user).Valid(now.Add(24*365*time.Hour)))
	})

	t.Run("temporary principals expire", func(t *testing.T) {
		tb := Temporary(user, now.Add(time.Minute))
		assert.True(t, tb.Valid(now))
		assert.False(t, tb.Valid(now.Add(time.Minute)))
		assert.False(t, tb.Valid(now.Add(2*time.Minute)))
	})
}

func TestJitGroupIDEquality(t *testing.T) {
	a := NewJitGroupID("Env-1", "Sys-1", "G-1")
	b := NewJitGroupID("env-1", "sys-1", "g-1")
	assert.Equal(t, a, b)

	var x ID = a
	var y ID = b
	assert.True(t, x == y, "interface equality must hold for canonicalized IDs")
}
