// Package keyring holds the secp256k1 keys behind the signer identities that
// submissions are made with.
package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil/base58"
)

// ErrUnknownAccount is returned for addresses the keyring holds no key for.
var ErrUnknownAccount = errors.New("unknown account")

// Account is a signing key and the address derived from it.
type Account struct {
	Address   string
	PublicKey []byte
	CreatedAt time.Time

	privateKey *btcec.PrivateKey
}

// AddressOf derives the base58 address of a compressed public key.
func AddressOf(pubKey []byte) string {
	hash := sha256.Sum256(pubKey)
	return base58.Encode(hash[:20])
}

func newAccount(key *btcec.PrivateKey) *Account {
	pub := key.PubKey().SerializeCompressed()
	return &Account{
		Address:    AddressOf(pub),
		PublicKey:  pub,
		CreatedAt:  time.Now(),
		privateKey: key,
	}
}

// Keyring is a concurrency safe set of accounts keyed by address.
type Keyring struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// New returns an empty keyring.
func New() *Keyring {
	return &Keyring{accounts: make(map[string]*Account)}
}

func (k *Keyring) add(a *Account) *Account {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.accounts[a.Address]; ok {
		return existing
	}
	k.accounts[a.Address] = a
	return a
}

// Generate creates a fresh account.
func (k *Keyring) Generate() (*Account, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return k.add(newAccount(key)), nil
}

// Import adds the account for a hex encoded private key. Importing the same
// key twice returns the existing account.
func (k *Keyring) Import(privateKeyHex string) (*Account, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key format: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length %d", len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, errors.New("invalid private key")
	}
	return k.add(newAccount(key)), nil
}

// Export returns the hex encoded private key of address.
func (k *Keyring) Export(address string) (string, error) {
	a, err := k.Get(address)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(a.privateKey.Serialize()), nil
}

// Get returns the account for address.
func (k *Keyring) Get(address string) (*Account, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	a, ok := k.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}
	return a, nil
}

// Has reports whether the keyring can sign for address.
func (k *Keyring) Has(address string) bool {
	_, err := k.Get(address)
	return err == nil
}

// Addresses lists all addresses in sorted order.
func (k *Keyring) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.accounts))
	for addr := range k.accounts {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Sign signs a 32 byte digest with the key of address.
func (k *Keyring) Sign(address string, digest []byte) ([]byte, error) {
	a, err := k.Get(address)
	if err != nil {
		return nil, err
	}
	return ecdsa.Sign(a.privateKey, digest).Serialize(), nil
}

// Verify checks a DER signature over digest against a compressed public key.
func Verify(pubKey, digest, signature []byte) (bool, error) {
	parsedPubKey, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %w", err)
	}

	parsedSig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false, fmt.Errorf("failed to parse signature: %w", err)
	}

	return parsedSig.Verify(digest, parsedPubKey), nil
}
