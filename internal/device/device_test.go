package device

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

type memoryKeyStore struct {
	data    []byte
	saves   int
	loadErr error
}

func (m *memoryKeyStore) LoadDeviceKey() ([]byte, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.data == nil {
		return nil, ErrNotFound
	}
	return m.data, nil
}

func (m *memoryKeyStore) SaveDeviceKey(data []byte) error {
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func TestFingerprint_DeviceIDIsStable(t *testing.T) {
	fp := Fingerprint{HostID: "abc", Hostname: "laptop", MACs: []string{"aa:bb:cc:dd:ee:ff"}}
	id := fp.DeviceID()

	assert.True(t, strings.HasPrefix(id, "dev-"))
	assert.Len(t, id, 36)
	assert.Equal(t, id, fp.DeviceID())

	other := fp
	other.Hostname = "desktop"
	assert.NotEqual(t, id, other.DeviceID())
}

func TestFingerprint_EmptyIsRandom(t *testing.T) {
	var fp Fingerprint
	assert.True(t, fp.Empty())
	assert.NotEqual(t, fp.DeviceID(), fp.DeviceID())
}

func TestCollectFingerprint(t *testing.T) {
	fp := CollectFingerprint(context.Background())
	assert.NotEmpty(t, fp.DeviceID())
}

func TestLoadOrCreate(t *testing.T) {
	for _, alg := range dlcrypto.Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			ks := &memoryKeyStore{}

			first, err := LoadOrCreate(ks, "device-a", alg)
			require.NoError(t, err)
			assert.Equal(t, 1, ks.saves)

			second, err := LoadOrCreate(ks, "device-a", alg)
			require.NoError(t, err)
			assert.Equal(t, 1, ks.saves)
			assert.Equal(t, first.DeviceID(), second.DeviceID())

			msg := []byte("state data")
			sig, err := second.Sign(msg)
			require.NoError(t, err)
			assert.True(t, dlcrypto.Verify(alg, first.PublicKey(), msg, sig))
		})
	}
}

func TestLoadOrCreate_ReplacesForeignKey(t *testing.T) {
	ks := &memoryKeyStore{}
	_, err := LoadOrCreate(ks, "device-a", dlcrypto.AlgorithmEd25519)
	require.NoError(t, err)

	id, err := LoadOrCreate(ks, "device-b", dlcrypto.AlgorithmEd25519)
	require.NoError(t, err)
	assert.Equal(t, "device-b", id.DeviceID())
	assert.Equal(t, 2, ks.saves)
}

func TestLoadOrCreate_LoadError(t *testing.T) {
	ks := &memoryKeyStore{loadErr: errors.New("disk on fire")}
	_, err := LoadOrCreate(ks, "device-a", dlcrypto.AlgorithmEd25519)
	assert.Error(t, err)
	assert.Zero(t, ks.saves)
}

func TestNewIdentity_RequiresDeviceID(t *testing.T) {
	_, err := NewIdentity("", dlcrypto.AlgorithmEd25519)
	assert.Error(t, err)
}

func TestEnvironmentHash(t *testing.T) {
	t.Setenv("USER", "alice")
	h := EnvironmentHash(context.Background())
	assert.Len(t, h, 64)
	assert.Equal(t, h, EnvironmentHash(context.Background()))

	t.Setenv("USER", "bob")
	assert.NotEqual(t, h, EnvironmentHash(context.Background()))
}

func TestHashEnvironment(t *testing.T) {
	assert.Equal(t, HashEnvironment("alice", "host-1"), HashEnvironment("alice", "host-1"))
	assert.NotEqual(t, HashEnvironment("alice", "host-1"), HashEnvironment("alice", "host-2"))
	assert.NotEqual(t, HashEnvironment("alice", "host-1"), HashEnvironment("alice|host", "1"))
}
