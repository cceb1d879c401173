package apikeys

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	hexPrefix = regexp.MustCompile(`^[0-9a-f]{16}$`)
	urlSecret = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
	testCreds = NewCredentials(bcrypt.MinCost)
)

func TestIssue_Shape(t *testing.T) {
	issued, err := testCreds.Issue()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.RawKey, Tag))
	assert.Regexp(t, hexPrefix, issued.Prefix)

	prefix, secret, err := Parse(issued.RawKey)
	require.NoError(t, err)
	assert.Equal(t, issued.Prefix, prefix)
	assert.Regexp(t, urlSecret, secret)
	assert.NotContains(t, issued.SecretHash, secret)
}

func TestIssue_PrefixesUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		issued, err := testCreds.Issue()
		require.NoError(t, err)
		_, dup := seen[issued.Prefix]
		require.False(t, dup, "duplicate prefix %s", issued.Prefix)
		seen[issued.Prefix] = struct{}{}
	}
}

func TestVerify(t *testing.T) {
	issued, err := testCreds.Issue()
	require.NoError(t, err)
	_, secret, err := Parse(issued.RawKey)
	require.NoError(t, err)

	assert.True(t, testCreds.Verify(secret, issued.SecretHash))

	// Any single character change must fail.
	for i := 0; i < len(secret); i += 7 {
		b := []byte(secret)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		assert.False(t, testCreds.Verify(string(b), issued.SecretHash), "mutation at %d", i)
	}
	assert.False(t, testCreds.Verify("", issued.SecretHash))
	assert.False(t, testCreds.Verify(secret, "not-a-hash"))
}

func TestParse(t *testing.T) {
	cases := []struct {
		name   string
		header string
		prefix string
		secret string
		err    bool
	}{
		{name: "valid", header: "oc_abc.def", prefix: "abc", secret: "def"},
		{name: "empty", header: "", err: true},
		{name: "no delimiter", header: "oc_abc", err: true},
		{name: "wrong tag", header: "xx_abc.def", err: true},
		{name: "two delimiters", header: "oc_a.b.c", err: true},
		{name: "empty prefix", header: "oc_.def", err: true},
		{name: "empty secret", header: "oc_abc.", err: true},
		{name: "bearer scheme", header: "Bearer oc_abc.def", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prefix, secret, err := Parse(tc.header)
			if tc.err {
				assert.ErrorIs(t, err, ErrMalformedKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.prefix, prefix)
			assert.Equal(t, tc.secret, secret)
		})
	}
}

func TestNewCredentials_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewCredentials(0).Cost())
	assert.Equal(t, bcrypt.MinCost, NewCredentials(1).Cost())
	assert.Equal(t, bcrypt.MaxCost, NewCredentials(99).Cost())
	assert.Equal(t, 12, NewCredentials(12).Cost())
}
