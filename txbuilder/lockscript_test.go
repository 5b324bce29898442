package txbuilder

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyOrFail(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	return key
}

func TestParseBeneficiaryPubKey(t *testing.T) {
	t.Parallel()

	t.Run("accepts a compressed key", func(t *testing.T) {
		key := newKeyOrFail(t)
		encoded := hex.EncodeToString(key.PubKey().SerializeCompressed())

		parsed, err := ParseBeneficiaryPubKey(encoded)
		require.NoError(t, err)
		assert.True(t, parsed.IsEqual(key.PubKey()))
	})

	t.Run("rejects an uncompressed key", func(t *testing.T) {
		key := newKeyOrFail(t)
		encoded := hex.EncodeToString(key.PubKey().SerializeUncompressed())

		_, err := ParseBeneficiaryPubKey(encoded)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidBeneficiary))
	})

	t.Run("rejects non-hex input", func(t *testing.T) {
		_, err := ParseBeneficiaryPubKey("this is not a public key")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidBeneficiary))
	})

	t.Run("rejects a point not on the curve", func(t *testing.T) {
		bad := "02" + strings.Repeat("00", 32)
		_, err := ParseBeneficiaryPubKey(bad)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidBeneficiary))
	})
}

func TestValidateUnlockTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		unlockAt int64
		ok       bool
	}{
		{"a year from now", now.AddDate(1, 0, 0).Unix(), true},
		{"one second from now", now.Unix() + 1, true},
		{"just inside the horizon", now.Add(maxUnlockHorizon).Unix() - 1, true},
		{"exactly now", now.Unix(), false},
		{"in the past", now.AddDate(-1, 0, 0).Unix(), false},
		{"beyond the horizon", now.Add(maxUnlockHorizon).Unix() + 1, false},
		{"block height range", 650000, false},
		{"zero", 0, false},
		{"negative", -1, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUnlockTime(tt.unlockAt, now)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnlockTimeOutOfRange))
			}
		})
	}
}

func TestNewLockScript(t *testing.T) {
	t.Parallel()

	beneficiary := newKeyOrFail(t)
	unlockAt := time.Now().Add(24 * time.Hour).Unix()

	lock, err := NewLockScript(beneficiary.PubKey(), unlockAt, chaincfg.RegressionNetParams)
	require.NoError(t, err)

	t.Run("redeem script enforces the lock and the key", func(t *testing.T) {
		asm, err := txscript.DisasmString(lock.RedeemScript)
		require.NoError(t, err)

		assert.Contains(t, asm, "OP_CHECKLOCKTIMEVERIFY")
		assert.Contains(t, asm, "OP_CHECKSIG")

		pubKeyHash := btcutil.Hash160(beneficiary.PubKey().SerializeCompressed())
		assert.Contains(t, asm, hex.EncodeToString(pubKeyHash))
	})

	t.Run("address commits to the redeem script", func(t *testing.T) {
		assert.True(t, lock.Address.IsForNet(&chaincfg.RegressionNetParams))
		assert.True(t, strings.HasPrefix(lock.Address.EncodeAddress(), "bcrt1"))

		pkScript, err := txscript.PayToAddrScript(lock.Address)
		require.NoError(t, err)
		assert.Equal(t, pkScript, lock.PkScript)
	})

	t.Run("unlock time is recorded", func(t *testing.T) {
		assert.Equal(t, unlockAt, lock.UnlockAt)
	})

	t.Run("rejects a nil beneficiary", func(t *testing.T) {
		_, err := NewLockScript(nil, unlockAt, chaincfg.RegressionNetParams)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidBeneficiary))
	})

	t.Run("rejects a past unlock time", func(t *testing.T) {
		_, err := NewLockScript(beneficiary.PubKey(),
			time.Now().AddDate(-1, 0, 0).Unix(), chaincfg.RegressionNetParams)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnlockTimeOutOfRange))
	})
}

// spendLockedOutput builds a transaction claiming a locked output with the
// given nLockTime and runs it through the script interpreter.
func spendLockedOutput(t *testing.T, lock LockScript, beneficiary *btcec.PrivateKey,
	lockTime int64, amountSat int64) error {
	t.Helper()

	fundingTxid, err := chainhash.NewHashFromStr(
		"aa94ab02c182214f090e99a0d57021caffd0f195a81c24602b1028b130b63e31")
	require.NoError(t, err)

	spend := wire.NewMsgTx(wire.TxVersion)
	spend.LockTime = uint32(lockTime)
	spend.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: *fundingTxid, Index: 0}, nil, nil))
	// nSequence must be below the final value for CLTV to be enforced
	spend.TxIn[0].Sequence = 0
	spend.AddTxOut(wire.NewTxOut(amountSat-1000, lock.PkScript))

	sigHashes := txscript.NewTxSigHashes(spend)
	signature, err := txscript.RawTxInWitnessSignature(spend, sigHashes, 0,
		amountSat, lock.RedeemScript, txscript.SigHashAll, beneficiary)
	require.NoError(t, err)

	spend.TxIn[0].Witness = wire.TxWitness{
		signature,
		beneficiary.PubKey().SerializeCompressed(),
		lock.RedeemScript,
	}

	engine, err := txscript.NewEngine(lock.PkScript, spend, 0,
		txscript.StandardVerifyFlags, nil, nil, amountSat)
	require.NoError(t, err)
	return engine.Execute()
}

func TestLockScriptSpendability(t *testing.T) {
	t.Parallel()

	beneficiary := newKeyOrFail(t)
	unlockAt := time.Now().Add(24 * time.Hour).Unix()
	const amountSat = 100000

	lock, err := NewLockScript(beneficiary.PubKey(), unlockAt, chaincfg.RegressionNetParams)
	require.NoError(t, err)

	t.Run("spendable once the lock time is reached", func(t *testing.T) {
		err := spendLockedOutput(t, lock, beneficiary, unlockAt, amountSat)
		assert.NoError(t, err)
	})

	t.Run("unspendable before the lock time", func(t *testing.T) {
		err := spendLockedOutput(t, lock, beneficiary, unlockAt-1, amountSat)
		assert.Error(t, err)
	})

	t.Run("unspendable with the wrong key", func(t *testing.T) {
		stranger := newKeyOrFail(t)
		err := spendLockedOutput(t, lock, stranger, unlockAt, amountSat)
		assert.Error(t, err)
	})
}
