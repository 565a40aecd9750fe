package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfab/nodeagent/pkg/api"
)

var (
	signingKey = []byte("test-signing-key-32-bytes-long!!")
	cid        = api.ContainerID{App: api.ApplicationID{ClusterTimestamp: 100, ID: 1}, Sequence: 0}
)

func TestVerifyValidToken(t *testing.T) {
	v, err := NewTokenVerifier(signingKey)
	require.NoError(t, err)

	token, err := GenerateContainerToken(signingKey, cid, "alice", 15*time.Minute)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(token, cid))
}

func TestVerifyRejectsWrongContainer(t *testing.T) {
	v, err := NewTokenVerifier(signingKey)
	require.NoError(t, err)

	token, err := GenerateContainerToken(signingKey, cid, "alice", 15*time.Minute)
	require.NoError(t, err)

	other := api.ContainerID{App: cid.App, Sequence: 7}
	err = v.Verify(token, other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bound to")
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v, err := NewTokenVerifier(signingKey)
	require.NoError(t, err)

	token, err := GenerateContainerToken(signingKey, cid, "alice", -time.Minute)
	require.NoError(t, err)

	assert.Error(t, v.Verify(token, cid))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	v, err := NewTokenVerifier(signingKey)
	require.NoError(t, err)

	token, err := GenerateContainerToken([]byte("another-key-entirely-32-bytes!!!"), cid, "alice", 15*time.Minute)
	require.NoError(t, err)

	assert.Error(t, v.Verify(token, cid))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v, err := NewTokenVerifier(signingKey)
	require.NoError(t, err)

	assert.Error(t, v.Verify("not-a-token", cid))
	assert.Error(t, v.Verify("", cid))
}

func TestEmptyKeyIsRejected(t *testing.T) {
	_, err := NewTokenVerifier(nil)
	assert.Error(t, err)
}
