package testutil

import (
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec"
)

// MockTxid returns a random hex string shaped like a txid
func MockTxid() string {
	var letters = []rune("abcdef1234567890")

	b := make([]rune, 64)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// MockPrivKeyOrFail generates a fresh secp256k1 private key
func MockPrivKeyOrFail(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		FatalMsgf(t, "could not generate private key: %v", err)
	}
	return key
}

// MockPubKeyHexOrFail generates a fresh keypair and returns the
// compressed public key as hex, the way beneficiaries supply theirs
func MockPubKeyHexOrFail(t *testing.T) string {
	t.Helper()
	key := MockPrivKeyOrFail(t)
	return hex.EncodeToString(key.PubKey().SerializeCompressed())
}
