// Package extrinsic builds the opaque, signable payloads that are handed to
// the transaction queue.
package extrinsic

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Extrinsic is a resolved call ready to be signed and sent.
type Extrinsic struct {
	Section   string `json:"section"`
	Method    string `json:"method"`
	Call      any    `json:"call"`
	CallData  []byte `json:"callData"`
	Hash      string `json:"hash"`
	Nonce     string `json:"nonce"`
	CreatedAt int64  `json:"createdAt"`
}

// callEnvelope is the CBOR layout of CallData.
type callEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Section string
	Method  string
	Call    any
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// New encodes call under section.method and stamps the result with a hash
// and a fresh nonce.
func New(section, method string, call any) (*Extrinsic, error) {
	data, err := encMode.Marshal(callEnvelope{Section: section, Method: method, Call: call})
	if err != nil {
		return nil, fmt.Errorf("encoding %s.%s call data: %w", section, method, err)
	}

	return &Extrinsic{
		Section:   section,
		Method:    method,
		Call:      call,
		CallData:  data,
		Hash:      HashOf(data),
		Nonce:     uuid.NewString(),
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}

// HashOf returns the 0x-prefixed blake2b-256 digest of data.
func HashOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:])
}

// Name returns "section.method".
func (x *Extrinsic) Name() string {
	return x.Section + "." + x.Method
}

// SigningPayload is the byte string a signer signs: the call hash bound to
// the nonce, so two identical calls never share a signature.
func (x *Extrinsic) SigningPayload() []byte {
	sum := blake2b.Sum256(append(append([]byte(nil), x.CallData...), x.Nonce...))
	return sum[:]
}

// Verify recomputes the hash over CallData.
func (x *Extrinsic) Verify() error {
	if got := HashOf(x.CallData); got != x.Hash {
		return fmt.Errorf("extrinsic hash mismatch: have %s, computed %s", x.Hash, got)
	}
	return nil
}

// DecodeCall decodes CallData back into its section, method and call fields.
// The call is returned in its generic CBOR form.
func DecodeCall(data []byte) (section, method string, call any, err error) {
	var env struct {
		_       struct{} `cbor:",toarray"`
		Section string
		Method  string
		Call    any
	}
	if err := cbor.Unmarshal(data, &env); err != nil {
		return "", "", nil, fmt.Errorf("decoding call data: %w", err)
	}
	return env.Section, env.Method, env.Call, nil
}
