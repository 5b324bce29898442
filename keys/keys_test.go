package keys

import (
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a fixed 32 byte seed so derived keys are stable across runs
var testSeed = []byte("giftlock test seed giftlock test")

func TestDeriveIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Derive(testSeed, chaincfg.RegressionNetParams, 7)
	require.NoError(t, err)
	second, err := Derive(testSeed, chaincfg.RegressionNetParams, 7)
	require.NoError(t, err)

	assert.Equal(t, first.Address.EncodeAddress(), second.Address.EncodeAddress())
	assert.Equal(t, first.PrivKey.Serialize(), second.PrivKey.Serialize())
	assert.Equal(t, 7, first.Index)
}

func TestDeriveDistinctIndexes(t *testing.T) {
	t.Parallel()

	seen := make(map[string]int)
	for index := 0; index < 20; index++ {
		key, err := Derive(testSeed, chaincfg.RegressionNetParams, index)
		require.NoError(t, err)

		encoded := key.Address.EncodeAddress()
		if existing, ok := seen[encoded]; ok {
			t.Fatalf("index %d and %d derived the same address %s",
				existing, index, encoded)
		}
		seen[encoded] = index
	}
}

func TestDeriveAddressMatchesNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		network chaincfg.Params
		prefix  string
	}{
		{chaincfg.MainNetParams, "bc1"},
		{chaincfg.TestNet3Params, "tb1"},
		{chaincfg.RegressionNetParams, "bcrt1"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.network.Name, func(t *testing.T) {
			key, err := Derive(testSeed, tt.network, 0)
			require.NoError(t, err)
			assert.True(t, key.Address.IsForNet(&tt.network))
			assert.True(t, strings.HasPrefix(key.Address.EncodeAddress(), tt.prefix),
				"address %s should start with %s", key.Address.EncodeAddress(), tt.prefix)
		})
	}
}

func TestDeriveSeedChangesAddress(t *testing.T) {
	t.Parallel()

	otherSeed := []byte("another seed for deriving keys!!")

	first, err := Derive(testSeed, chaincfg.RegressionNetParams, 0)
	require.NoError(t, err)
	second, err := Derive(otherSeed, chaincfg.RegressionNetParams, 0)
	require.NoError(t, err)

	assert.NotEqual(t, first.Address.EncodeAddress(), second.Address.EncodeAddress())
}

func TestDeriveBadArguments(t *testing.T) {
	t.Parallel()

	t.Run("seed below minimum length", func(t *testing.T) {
		shortSeed := make([]byte, hdkeychain.MinSeedBytes-1)
		_, err := Derive(shortSeed, chaincfg.RegressionNetParams, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSeed))
	})

	t.Run("seed above maximum length", func(t *testing.T) {
		longSeed := make([]byte, hdkeychain.MaxSeedBytes+1)
		_, err := Derive(longSeed, chaincfg.RegressionNetParams, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSeed))
	})

	t.Run("unknown network", func(t *testing.T) {
		_, err := Derive(testSeed, chaincfg.SimNetParams, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedNetwork))
	})

	t.Run("negative index", func(t *testing.T) {
		_, err := Derive(testSeed, chaincfg.RegressionNetParams, -1)
		require.Error(t, err)
	})
}
