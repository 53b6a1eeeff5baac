// Package transport moves signed extrinsics from the queue to a chain and
// reports their statuses back.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/keyring"
	"github.com/cmatc13/txqueue/internal/queue"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
)

// Sink receives status updates. *queue.Queue is the production sink.
type Sink interface {
	UpdateStatus(id queue.ID, u queue.Update) error
}

// Envelope is a signed extrinsic as it goes on the wire.
type Envelope struct {
	ID        queue.ID `json:"id"`
	Account   string   `json:"account"`
	Section   string   `json:"section"`
	Method    string   `json:"method"`
	CallData  []byte   `json:"callData"`
	Hash      string   `json:"hash"`
	Nonce     string   `json:"nonce"`
	PublicKey []byte   `json:"publicKey"`
	Signature []byte   `json:"signature"`
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Signer signs extrinsics with keys from a keyring.
type Signer struct {
	keys *keyring.Keyring
}

// NewSigner returns a signer backed by keys.
func NewSigner(keys *keyring.Keyring) *Signer {
	return &Signer{keys: keys}
}

// Sign wraps x in an envelope signed by account.
func (s *Signer) Sign(id queue.ID, account string, x *extrinsic.Extrinsic) (*Envelope, error) {
	acct, err := s.keys.Get(account)
	if err != nil {
		return nil, apperrors.TransportWrapWithCode(err, apperrors.OpSign, apperrors.TransportErrUnknownSigner,
			"no key for signer")
	}

	sig, err := s.keys.Sign(account, x.SigningPayload())
	if err != nil {
		return nil, apperrors.TransportWrap(err, apperrors.OpSign, "signing extrinsic")
	}

	return &Envelope{
		ID:        id,
		Account:   account,
		Section:   x.Section,
		Method:    x.Method,
		CallData:  x.CallData,
		Hash:      x.Hash,
		Nonce:     x.Nonce,
		PublicKey: acct.PublicKey,
		Signature: sig,
	}, nil
}

// Verify checks that the envelope is signed by the key its account derives
// from and that the call data matches its hash.
func Verify(e *Envelope) error {
	if keyring.AddressOf(e.PublicKey) != e.Account {
		return fmt.Errorf("public key does not belong to %s", e.Account)
	}
	x := &extrinsic.Extrinsic{CallData: e.CallData, Hash: e.Hash, Nonce: e.Nonce}
	if err := x.Verify(); err != nil {
		return err
	}
	ok, err := keyring.Verify(e.PublicKey, x.SigningPayload(), e.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bad signature")
	}
	return nil
}
