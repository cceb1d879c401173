package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvidenceKey(t *testing.T) {
	at := time.Date(2026, time.March, 4, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, "evidence/12/2026/03/05/abc.json", EvidenceKey(12, at, "abc"))
}

func TestPresignExpireDefault(t *testing.T) {
	s := &S3{}
	assert.Equal(t, 15*time.Minute, s.PresignExpire())

	s.cfg.PresignExpireMinutes = 5
	assert.Equal(t, 5*time.Minute, s.PresignExpire())
}
