package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptCost(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, bcrypt.DefaultCost},
		{-3, bcrypt.DefaultCost},
		{1, bcrypt.MinCost},
		{bcrypt.MinCost, bcrypt.MinCost},
		{11, 11},
		{99, bcrypt.MaxCost},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BcryptCost(tt.in), "cost %d", tt.in)
	}
}

func TestPasswordHasher_UsesConfiguredCost(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost + 1)
	hash, err := h.Hash("correct horse battery")
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)

	assert.True(t, h.Check("correct horse battery", hash))
	assert.False(t, h.Check("wrong", hash))
	assert.False(t, h.Check("anything", ""))
}
