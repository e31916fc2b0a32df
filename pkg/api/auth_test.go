package api

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	auth := NewAuthenticator("")
	assert.Equal(t, DefaultDomain, auth.Domain())

	t.Run("RecoversSigner", func(t *testing.T) {
		p := &TxParams{Amount: "10", Nonce: 1}
		require.NoError(t, Sign(key, DefaultDomain, "perp_depositMargin", p))

		caller, err := auth.Authenticate("perp_depositMargin", p)
		require.NoError(t, err)
		assert.Equal(t, signer, caller)
	})

	t.Run("RejectsReplay", func(t *testing.T) {
		p := &TxParams{Amount: "10", Nonce: 1}
		require.NoError(t, Sign(key, DefaultDomain, "perp_depositMargin", p))

		_, err := auth.Authenticate("perp_depositMargin", p)
		assert.ErrorIs(t, err, errStaleNonce)
	})

	t.Run("NoncesArePerAccount", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		p := &TxParams{Nonce: 1}
		require.NoError(t, Sign(other, DefaultDomain, "perp_closePosition", p))

		caller, err := auth.Authenticate("perp_closePosition", p)
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(other.PublicKey), caller)
	})

	t.Run("TamperedParamsChangeSigner", func(t *testing.T) {
		p := &TxParams{Amount: "10", Nonce: 5}
		require.NoError(t, Sign(key, DefaultDomain, "perp_withdrawMargin", p))
		p.Amount = "1000"

		caller, err := auth.Authenticate("perp_withdrawMargin", p)
		require.NoError(t, err)
		assert.NotEqual(t, signer, caller)
	})

	t.Run("MethodIsSigned", func(t *testing.T) {
		p := &TxParams{Amount: "10", Nonce: 6}
		require.NoError(t, Sign(key, DefaultDomain, "perp_depositMargin", p))

		caller, err := auth.Authenticate("perp_withdrawMargin", p)
		require.NoError(t, err)
		assert.NotEqual(t, signer, caller)
	})

	t.Run("DomainIsSigned", func(t *testing.T) {
		p := &TxParams{Amount: "10", Nonce: 7}
		require.NoError(t, Sign(key, "other-market", "perp_depositMargin", p))

		caller, err := auth.Authenticate("perp_depositMargin", p)
		require.NoError(t, err)
		assert.NotEqual(t, signer, caller)
	})

	t.Run("AcceptsLegacyRecoveryID", func(t *testing.T) {
		p := &TxParams{Amount: "10", Nonce: 100}
		require.NoError(t, Sign(key, DefaultDomain, "perp_depositMargin", p))
		sig := hexutil.MustDecode(p.Signature)
		sig[crypto.RecoveryIDOffset] += 27
		p.Signature = hexutil.Encode(sig)

		caller, err := auth.Authenticate("perp_depositMargin", p)
		require.NoError(t, err)
		assert.Equal(t, signer, caller)
	})

	t.Run("MissingSignature", func(t *testing.T) {
		_, err := auth.Authenticate("perp_depositMargin", &TxParams{Nonce: 200})
		assert.ErrorIs(t, err, errMissingSignature)
	})

	t.Run("MalformedSignature", func(t *testing.T) {
		_, err := auth.Authenticate("perp_depositMargin", &TxParams{Nonce: 200, Signature: "0x1234"})
		assert.ErrorIs(t, err, errBadSignature)
	})
}

type memNonces struct {
	last map[common.Address]uint64
	err  error
}

func (m *memNonces) LastNonce(account common.Address) (uint64, bool, error) {
	n, ok := m.last[account]
	return n, ok, nil
}

func (m *memNonces) SetNonce(account common.Address, nonce uint64) error {
	if m.err != nil {
		return m.err
	}
	m.last[account] = nonce
	return nil
}

func TestAuthenticatorNonceStore(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	nonces := &memNonces{last: make(map[common.Address]uint64)}

	p := &TxParams{Amount: "10", Nonce: 3}
	require.NoError(t, Sign(key, DefaultDomain, "perp_withdrawMargin", p))

	auth := NewAuthenticator("")
	auth.SetNonceStore(nonces)
	_, err = auth.Authenticate("perp_withdrawMargin", p)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonces.last[signer])

	t.Run("ReplayAfterRestart", func(t *testing.T) {
		restarted := NewAuthenticator("")
		restarted.SetNonceStore(nonces)

		_, err := restarted.Authenticate("perp_withdrawMargin", p)
		assert.ErrorIs(t, err, errStaleNonce)

		next := &TxParams{Amount: "10", Nonce: 4}
		require.NoError(t, Sign(key, DefaultDomain, "perp_withdrawMargin", next))
		caller, err := restarted.Authenticate("perp_withdrawMargin", next)
		require.NoError(t, err)
		assert.Equal(t, signer, caller)
	})

	t.Run("WriteFailureRejects", func(t *testing.T) {
		failing := &memNonces{last: make(map[common.Address]uint64), err: errors.New("disk full")}
		auth := NewAuthenticator("")
		auth.SetNonceStore(failing)

		next := &TxParams{Amount: "10", Nonce: 1}
		require.NoError(t, Sign(key, DefaultDomain, "perp_withdrawMargin", next))
		_, err := auth.Authenticate("perp_withdrawMargin", next)
		assert.Error(t, err)

		// nothing was consumed, the same request goes through once storage recovers
		failing.err = nil
		_, err = auth.Authenticate("perp_withdrawMargin", next)
		assert.NoError(t, err)
	})
}

func TestDigestExcludesSignature(t *testing.T) {
	p := &TxParams{Amount: "1", Leverage: 3, Direction: "long", Nonce: 9}
	before, err := Digest(DefaultDomain, "perp_openPosition", p)
	require.NoError(t, err)

	p.Signature = "0xdeadbeef"
	after, err := Digest(DefaultDomain, "perp_openPosition", p)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	p.Nonce = 10
	bumped, err := Digest(DefaultDomain, "perp_openPosition", p)
	require.NoError(t, err)
	assert.NotEqual(t, before, bumped)
}
