package events

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/lx"
)

// DefaultOracleSubject carries oracle price updates.
const DefaultOracleSubject = "perp.oracle.price"

// PriceUpdate is the payload on the oracle subject. It is signed exactly
// like a perp_setOraclePrice request carrying only a price, and shares that
// method's nonce sequence.
type PriceUpdate struct {
	Price     string `json:"price"` // decimal units, e.g. "1012.5"
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

func (u *PriceUpdate) params() *api.TxParams {
	return &api.TxParams{Price: u.Price, Nonce: u.Nonce, Signature: u.Signature}
}

// Sign fills in u.Signature for domain.
func (u *PriceUpdate) Sign(key *ecdsa.PrivateKey, domain string) error {
	p := u.params()
	if err := api.Sign(key, domain, api.MethodSetOraclePrice, p); err != nil {
		return err
	}
	u.Signature = p.Signature
	return nil
}

// OracleFeed applies signed price updates received over NATS. The signer
// is passed to the engine as the caller, so only the owner moves the price.
type OracleFeed struct {
	seq  *lx.Sequencer
	auth *api.Authenticator
	log  log.Logger
}

func NewOracleFeed(seq *lx.Sequencer, auth *api.Authenticator, logger log.Logger) *OracleFeed {
	if auth == nil {
		auth = api.NewAuthenticator(api.DefaultDomain)
	}
	if logger == nil {
		logger = log.Root().New("module", "oracle-feed")
	}
	return &OracleFeed{seq: seq, auth: auth, log: logger}
}

// Subscribe starts consuming subject on nc.
func (f *OracleFeed) Subscribe(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultOracleSubject
	}
	return nc.Subscribe(subject, func(m *nats.Msg) {
		if err := f.Handle(m.Data); err != nil {
			f.log.Warn("rejected oracle update", "subject", m.Subject, "error", err)
		}
	})
}

// Handle authenticates one update and applies it.
func (f *OracleFeed) Handle(data []byte) error {
	var upd PriceUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return fmt.Errorf("decode price update: %w", err)
	}
	price, err := lx.ParseAmount(upd.Price)
	if err != nil {
		return err
	}
	caller, err := f.auth.Authenticate(api.MethodSetOraclePrice, upd.params())
	if err != nil {
		return fmt.Errorf("%w: %v", lx.ErrUnauthorized, err)
	}
	return f.seq.Execute(func(e *lx.Engine) error {
		return e.SetOraclePrice(caller, price)
	})
}
