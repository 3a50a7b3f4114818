package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign_MatchesHMACOverBody(t *testing.T) {
	body := []byte(`{"event":"alert.triggered","data":{}}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)

	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), Sign("s3cret", body))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("s3cret", body)

	assert.True(t, Verify("s3cret", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("s3cret", []byte(`{"a": 1}`), sig))
	assert.False(t, Verify("s3cret", body, sig[len("sha256="):]))
	assert.False(t, Verify("s3cret", body, "sha256=zz"))
}
