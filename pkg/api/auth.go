package api

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultDomain separates signatures for this market from any other.
const DefaultDomain = "lux-perp"

var (
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("invalid signature")
	errStaleNonce       = errors.New("nonce already used")
)

// TxParams are the parameters of every state-changing method. The caller is
// not a parameter: it is recovered from Signature.
type TxParams struct {
	Amount    string `json:"amount,omitempty" msgpack:"amount"`
	Leverage  uint64 `json:"leverage,omitempty" msgpack:"leverage"`
	Direction string `json:"direction,omitempty" msgpack:"direction"`
	Account   string `json:"account,omitempty" msgpack:"account"` // liquidation target
	Price     string `json:"price,omitempty" msgpack:"price"`
	Nonce     uint64 `json:"nonce" msgpack:"-"`
	Signature string `json:"signature,omitempty" msgpack:"-"`
}

// Digest is the hash a caller signs for method with p:
//
//	keccak256(domain || 0x00 || method || 0x00 || msgpack(p) || bigEndian(nonce))
func Digest(domain, method string, p *TxParams) (common.Hash, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fail to pack params: %w", err)
	}
	buf := make([]byte, 0, len(domain)+len(method)+len(data)+10)
	buf = append(buf, domain...)
	buf = append(buf, 0)
	buf = append(buf, method...)
	buf = append(buf, 0)
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint64(buf, p.Nonce)
	return crypto.Keccak256Hash(buf), nil
}

// Sign fills in p.Signature for method.
func Sign(key *ecdsa.PrivateKey, domain, method string, p *TxParams) error {
	hash, err := Digest(domain, method, p)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return err
	}
	p.Signature = hexutil.Encode(sig)
	return nil
}

// MethodSetOraclePrice is the method an oracle price update is signed for,
// over RPC or any other transport.
const MethodSetOraclePrice = "perp_setOraclePrice"

// NonceStore persists the last nonce accepted from each account so replays
// stay rejected across restarts.
type NonceStore interface {
	LastNonce(account common.Address) (uint64, bool, error)
	SetNonce(account common.Address, nonce uint64) error
}

// Authenticator recovers callers from signed requests and rejects replays.
// Nonces must strictly increase per account.
type Authenticator struct {
	domain string

	mu     sync.Mutex
	nonces map[common.Address]uint64
	store  NonceStore
}

func NewAuthenticator(domain string) *Authenticator {
	if domain == "" {
		domain = DefaultDomain
	}
	return &Authenticator{
		domain: domain,
		nonces: make(map[common.Address]uint64),
	}
}

func (a *Authenticator) Domain() string { return a.domain }

// SetNonceStore makes accepted nonces durable. Nonces not yet cached are
// read back from store.
func (a *Authenticator) SetNonceStore(store NonceStore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store = store
}

// lastNonce must be called with a.mu held.
func (a *Authenticator) lastNonce(account common.Address) (uint64, bool, error) {
	if last, ok := a.nonces[account]; ok {
		return last, true, nil
	}
	if a.store == nil {
		return 0, false, nil
	}
	last, ok, err := a.store.LastNonce(account)
	if err != nil {
		return 0, false, fmt.Errorf("fail to load nonce: %w", err)
	}
	if ok {
		a.nonces[account] = last
	}
	return last, ok, nil
}

// Authenticate returns the address that signed p for method and consumes
// its nonce.
func (a *Authenticator) Authenticate(method string, p *TxParams) (common.Address, error) {
	if p.Signature == "" {
		return common.Address{}, errMissingSignature
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, errBadSignature
	}
	// accept both 0/1 and 27/28 recovery ids
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	hash, err := Digest(a.domain, method, p)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, errBadSignature
	}
	caller := crypto.PubkeyToAddress(*pub)

	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok, err := a.lastNonce(caller)
	if err != nil {
		return common.Address{}, err
	}
	if ok && p.Nonce <= last {
		return common.Address{}, errStaleNonce
	}
	// the nonce is durable before the request can take effect
	if a.store != nil {
		if err := a.store.SetNonce(caller, p.Nonce); err != nil {
			return common.Address{}, fmt.Errorf("fail to store nonce: %w", err)
		}
	}
	a.nonces[caller] = p.Nonce
	return caller, nil
}
