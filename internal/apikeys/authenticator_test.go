package apikeys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocsafe/cyberguard/internal/models"
)

type fakeKeys struct {
	mu      sync.Mutex
	keys    map[string]*models.APIKey
	err     error
	touched chan int64
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{keys: make(map[string]*models.APIKey), touched: make(chan int64, 8)}
}

func (f *fakeKeys) GetByPrefix(_ context.Context, prefix string) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k, ok := f.keys[prefix]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeKeys) TouchLastUsed(_ context.Context, keyID int64, _ time.Time) error {
	f.touched <- keyID
	return nil
}

func (f *fakeKeys) issue(t *testing.T, orgID int64, mutate func(*models.APIKey)) (string, *models.APIKey) {
	t.Helper()
	issued, err := testCreds.Issue()
	require.NoError(t, err)
	k := &models.APIKey{
		ID:             int64(len(f.keys) + 1),
		Prefix:         issued.Prefix,
		SecretHash:     issued.SecretHash,
		OrganizationID: orgID,
		IsActive:       true,
	}
	if mutate != nil {
		mutate(k)
	}
	f.mu.Lock()
	f.keys[k.Prefix] = k
	f.mu.Unlock()
	return issued.RawKey, k
}

func newTestAuthenticator(t *testing.T, keys KeyLookup) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(keys, testCreds, nil)
	require.NoError(t, err)
	return a
}

func TestAuthenticate_Success(t *testing.T) {
	keys := newFakeKeys()
	raw, key := keys.issue(t, 7, nil)
	a := newTestAuthenticator(t, keys)

	tenant, err := a.Authenticate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, Tenant{OrganizationID: 7, KeyID: key.ID, Prefix: key.Prefix}, tenant)

	select {
	case id := <-keys.touched:
		assert.Equal(t, key.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("last use was not recorded")
	}
}

func TestAuthenticate_UniformFailure(t *testing.T) {
	keys := newFakeKeys()
	raw, _ := keys.issue(t, 1, nil)
	revokedRaw, _ := keys.issue(t, 1, func(k *models.APIKey) { k.IsActive = false })
	past := time.Now().Add(-time.Hour)
	expiredRaw, _ := keys.issue(t, 1, func(k *models.APIKey) { k.ExpiresAt = &past })

	a := newTestAuthenticator(t, keys)
	prefix, _, err := Parse(raw)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":        "",
		"malformed":      "oc_nodelimiter",
		"unknown prefix": "oc_0000000000000000.secret",
		"wrong secret":   Tag + prefix + Delimiter + "wrong",
		"revoked":        revokedRaw,
		"expired":        expiredRaw,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), header)
			assert.ErrorIs(t, err, ErrUnauthenticated)
			assert.Equal(t, ErrUnauthenticated.Error(), err.Error())
		})
	}
}

func TestAuthenticate_LookupErrorIsUnauthenticated(t *testing.T) {
	keys := newFakeKeys()
	raw, _ := keys.issue(t, 1, nil)
	keys.err = errors.New("connection refused")

	a := newTestAuthenticator(t, keys)
	_, err := a.Authenticate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate_ExpiryUsesClock(t *testing.T) {
	keys := newFakeKeys()
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, _ := keys.issue(t, 3, func(k *models.APIKey) { k.ExpiresAt = &exp })
	a := newTestAuthenticator(t, keys)

	a.now = func() time.Time { return exp.Add(-time.Minute) }
	_, err := a.Authenticate(context.Background(), raw)
	require.NoError(t, err)

	a.now = func() time.Time { return exp }
	_, err = a.Authenticate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
