// Package txbuilder builds the transaction that splits an incoming gift
// deposit into an immediately spendable fee output and a CLTV time-locked
// output only the beneficiary can claim after the unlock moment.
package txbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcutil"
)

var (
	// ErrUnlockTimeOutOfRange means the unlock timestamp is in the past,
	// beyond the configured horizon, or would be interpreted as a block
	// height by the script interpreter
	ErrUnlockTimeOutOfRange = errors.New("unlock time out of range")

	// ErrInvalidBeneficiary means the beneficiary key material could not
	// be turned into a pubkey hash
	ErrInvalidBeneficiary = errors.New("invalid beneficiary public key")
)

// cltvTimeThreshold is the nLockTime value below which the script
// interpreter reads the operand as a block height instead of a Unix
// timestamp. We only ever lock to timestamps.
const cltvTimeThreshold = 500000000

// maxUnlockHorizon is how far into the future a gift can be locked
const maxUnlockHorizon = 50 * 365 * 24 * time.Hour

// LockScript is a CLTV redeem script together with the P2WSH output that
// commits to it.
type LockScript struct {
	// RedeemScript enforces the time lock and the beneficiary's key
	RedeemScript []byte
	// PkScript is the witness-script-hash locking output script
	PkScript []byte
	// Address is PkScript encoded as an address, for display
	Address btcutil.Address
	// UnlockAt is the Unix time the lock expires
	UnlockAt int64
}

// ParseBeneficiaryPubKey parses a hex-encoded compressed public key
// supplied by the gift's beneficiary.
func ParseBeneficiaryPubKey(pubKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBeneficiary, err)
	}
	if len(raw) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidBeneficiary, btcec.PubKeyBytesLenCompressed, len(raw))
	}
	pubKey, err := btcec.ParsePubKey(raw, btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBeneficiary, err)
	}
	return pubKey, nil
}

// ValidateUnlockTime checks that a Unix timestamp is usable as a CLTV
// time lock: strictly in the future, within the horizon, and above the
// interpreter's time/height discriminant. Raw block-height-range values
// are rejected, never reinterpreted.
func ValidateUnlockTime(unlockAt int64, now time.Time) error {
	if unlockAt < cltvTimeThreshold {
		return fmt.Errorf("%w: %d is below the CLTV time threshold %d",
			ErrUnlockTimeOutOfRange, unlockAt, cltvTimeThreshold)
	}
	if unlockAt <= now.Unix() {
		return fmt.Errorf("%w: %d is not in the future", ErrUnlockTimeOutOfRange, unlockAt)
	}
	if unlockAt > now.Add(maxUnlockHorizon).Unix() {
		return fmt.Errorf("%w: %d is more than 50 years away", ErrUnlockTimeOutOfRange, unlockAt)
	}
	return nil
}

// NewLockScript builds the redeem script
//
//	<unlockAt> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	OP_DUP OP_HASH160 <beneficiary pkh> OP_EQUALVERIFY OP_CHECKSIG
//
// and wraps it in a witness-script-hash output. The timestamp is pushed
// with minimal script-number encoding; the interpreter's numeric
// comparison rejects non-canonical pushes.
func NewLockScript(beneficiary *btcec.PublicKey, unlockAt int64, network chaincfg.Params) (
	LockScript, error) {

	if err := ValidateUnlockTime(unlockAt, time.Now()); err != nil {
		return LockScript{}, err
	}
	if beneficiary == nil {
		return LockScript{}, ErrInvalidBeneficiary
	}

	pubKeyHash := btcutil.Hash160(beneficiary.SerializeCompressed())

	redeemScript, err := txscript.NewScriptBuilder().
		AddInt64(unlockAt).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubKeyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return LockScript{}, fmt.Errorf("could not build redeem script: %w", err)
	}

	scriptHash := sha256.Sum256(redeemScript)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], &network)
	if err != nil {
		return LockScript{}, fmt.Errorf("could not create P2WSH address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return LockScript{}, fmt.Errorf("could not create locking output script: %w", err)
	}

	return LockScript{
		RedeemScript: redeemScript,
		PkScript:     pkScript,
		Address:      address,
		UnlockAt:     unlockAt,
	}, nil
}
