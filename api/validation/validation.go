// Package validation provides validation functionality for struct tag
// fields such as "binding", used in Gin/Validator.
package validation

import (
	"reflect"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/giftlock/build"
	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

var log = build.AddSubLogger("VLDT")

const (
	pubkey     = "pubkey"
	unlocktime = "unlocktime"
	address    = "address"
)

// isValidPubKey checks if a field holds a hex-encoded compressed
// secp256k1 public key
func isValidPubKey(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	stringVal := field.String()

	_, err := txbuilder.ParseBeneficiaryPubKey(stringVal)
	return err == nil
}

// isValidUnlockTime checks if a field holds a Unix timestamp usable as
// an absolute CLTV locktime: at or above the time threshold, in the
// future, and within the locking horizon
func isValidUnlockTime(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	return txbuilder.ValidateUnlockTime(field.Int(), time.Now()) == nil
}

// isValidBitcoinAddress checks if an address is valid per the configured network
func isValidBitcoinAddress(chainCfg *chaincfg.Params) validator.Func {
	return func(v *validator.Validate, topStruct reflect.Value, currentStructOrField reflect.Value,
		field reflect.Value, fieldType reflect.Type, fieldKind reflect.Kind, param string) bool {

		stringVal := field.String()

		// assert address is valid by attempting to decode it
		addr, err := btcutil.DecodeAddress(stringVal, chainCfg)
		if err != nil {
			log.WithError(err).Errorf("could not decode %s", stringVal)
			return false
		}

		if !addr.IsForNet(chainCfg) {
			return false
		}

		return true
	}
}

// registerValidator registers a validator in our validation engine with the
// given name.
func registerValidator(engine *validator.Validate, name string, function validator.Func) error {
	err := engine.RegisterValidation(name, function)
	if err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// RegisterAllValidators registers all known validators to the Validator engine,
// quitting if this results in an error. This function should typically be
// called at startup.
func RegisterAllValidators(engine *validator.Validate, chainCfg *chaincfg.Params) []string {
	type Validator struct {
		Name     string
		Function validator.Func
	}
	validators := []Validator{
		{
			Name:     pubkey,
			Function: isValidPubKey,
		},
		{
			Name:     unlocktime,
			Function: isValidUnlockTime,
		},
		{
			Name:     address,
			Function: isValidBitcoinAddress(chainCfg),
		},
	}
	names := make([]string, len(validators))
	for i, elem := range validators {
		names[i] = elem.Name
		if err := registerValidator(engine, elem.Name, elem.Function); err != nil {
			log.Fatalf("Fatal error during validation registration: %s", err)
		}
	}
	return names
}
