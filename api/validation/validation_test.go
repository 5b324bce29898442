package validation

import (
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/giftlock/build"
)

var validate *validator.Validate

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.InfoLevel)

	config := validator.Config{TagName: "binding"}
	validate = validator.New(&config)

	os.Exit(m.Run())
}

func TestIsValidPubKey(t *testing.T) {
	t.Parallel()

	require.NoError(t, registerValidator(validate, pubkey, isValidPubKey))

	type Struct struct {
		PubKey string `binding:"pubkey"`
	}

	// the secp256k1 generator point, compressed
	goodStruct := Struct{PubKey: "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"}
	t.Run("validate a good public key", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validate.Struct(goodStruct))
	})

	badStruct := Struct{PubKey: "not_a_pubkey"}
	t.Run("invalidate a bad public key", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate.Struct(badStruct))
	})

	// uncompressed keys start with 04 and are 65 bytes
	uncompressed := Struct{PubKey: "0479be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8"}
	t.Run("invalidate an uncompressed public key", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate.Struct(uncompressed))
	})
}

func TestIsValidUnlockTime(t *testing.T) {
	t.Parallel()

	require.NoError(t, registerValidator(validate, unlocktime, isValidUnlockTime))

	type Struct struct {
		UnlockAt int64 `binding:"unlocktime"`
	}

	goodStruct := Struct{UnlockAt: time.Now().Add(365 * 24 * time.Hour).Unix()}
	t.Run("validate a timestamp a year from now", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validate.Struct(goodStruct))
	})

	// below 500_000_000 nLockTime means block height, not a timestamp
	heightStruct := Struct{UnlockAt: 650_000}
	t.Run("invalidate a block-height locktime", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate.Struct(heightStruct))
	})

	pastStruct := Struct{UnlockAt: time.Now().Add(-24 * time.Hour).Unix()}
	t.Run("invalidate a timestamp in the past", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate.Struct(pastStruct))
	})

	farStruct := Struct{UnlockAt: time.Now().Add(100 * 365 * 24 * time.Hour).Unix()}
	t.Run("invalidate a timestamp a century away", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate.Struct(farStruct))
	})
}

func TestIsValidBitcoinAddress(t *testing.T) {
	t.Parallel()

	err := registerValidator(validate, address, isValidBitcoinAddress(&chaincfg.RegressionNetParams))
	require.NoError(t, err)

	type Struct struct {
		Address string `binding:"address"`
	}

	// address for regtest
	goodAddress := Struct{Address: "bcrt1qu6zvu2uxfmac6xyzq9zn5r70ke92w7ndrfme4t"}
	t.Run("validate a good address", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, validate.Struct(goodAddress))
	})

	badAddress := Struct{Address: "bad_address"}
	t.Run("invalidate a bad address", func(t *testing.T) {
		t.Parallel()
		require.Error(t, validate.Struct(badAddress))
	})

	// address for mainnet, as chainCfg.RegressionNetParams identify as testnet
	wrongNetworkAddress := Struct{Address: "39qSSDqoBcGpQfFALNxozB9JQKv66tjjDy"}
	t.Run("invalidate address for the wrong network", func(t *testing.T) {
		t.Parallel()
		require.Error(t, validate.Struct(wrongNetworkAddress))
	})
}
