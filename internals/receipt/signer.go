package receipt

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"fmt"
	"sync"
)

// Domain separation tag so receipt signatures can't be replayed into other
// protocols sharing the same keys.
const signingDomain = "mycelia:sfu-receipt:v1"

// Keyring is the default in-process Signer/Verifier over ed25519 keys,
// stateless modulo its key material. External deployments substitute their
// own implementations of core.Signer / core.Verifier.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
	pubs map[string]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{
		keys: make(map[string]ed25519.PrivateKey),
		pubs: make(map[string]ed25519.PublicKey),
	}
}

// Generate mints a fresh keypair under keyID and returns the public key.
func (k *Keyring) Generate(keyID string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.keys[keyID] = priv
	k.pubs[keyID] = pub
	k.mu.Unlock()
	return pub, nil
}

// AddPublicKey registers a verification-only key.
func (k *Keyring) AddPublicKey(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	k.pubs[keyID] = pub
	k.mu.Unlock()
}

func (k *Keyring) Sign(keyID string, payload []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no signing key %q", keyID)
	}
	msg := append([]byte(signingDomain), payload...)
	return ed25519.Sign(priv, msg), nil
}

func (k *Keyring) Verify(keyID string, payload, sig []byte) bool {
	k.mu.RLock()
	pub, ok := k.pubs[keyID]
	k.mu.RUnlock()
	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := append([]byte(signingDomain), payload...)
	return ed25519.Verify(pub, msg, sig)
}
