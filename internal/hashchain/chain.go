package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Chain is stateless over an injected KeyRing: Sign always uses the
// currently active key, Verify always uses the recorded kid (active or
// inactive), so a key rotation never invalidates already-signed history.
type Chain struct {
	keys *KeyRing
}

func New(keys *KeyRing) *Chain {
	return &Chain{keys: keys}
}

// Sign computes hash = HMAC(secret[active], prevHash + "|" + canonical)
// using the currently active key and returns the hash and that key's kid.
func (c *Chain) Sign(prevHash string, canonical []byte) (hash string, kid string, err error) {
	key, err := c.keys.Active()
	if err != nil {
		return "", "", err
	}
	return sign(key.Secret, prevHash, canonical), key.KID, nil
}

// Verify recomputes the hash for (prevHash, canonical) under the key
// recorded as kid and reports whether it matches the stored hash.
func (c *Chain) Verify(prevHash string, canonical []byte, wantHash string, kid string) (bool, error) {
	key, err := c.keys.Get(kid)
	if err != nil {
		return false, err
	}
	return sign(key.Secret, prevHash, canonical) == wantHash, nil
}

func sign(secret []byte, prevHash string, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(prevHash))
	mac.Write([]byte("|"))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}
