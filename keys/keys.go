// Package keys derives per-gift deposit keys and addresses from the
// operator's master seed. Derivation is a pure function of
// (seed, network, index), so a gift's signing key can always be recovered
// from its deposit index alone.
package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"
)

var (
	// ErrInvalidSeed means the given master seed can't be used for BIP32
	// derivation, typically because it has a bad length
	ErrInvalidSeed = errors.New("invalid master seed")

	// ErrUnsupportedNetwork means we were given chain parameters we don't
	// derive keys for
	ErrUnsupportedNetwork = errors.New("unsupported network")
)

// purpose is the BIP43 purpose field for native segwit accounts (BIP84)
const purpose = 84

// DepositKey is the key material behind a single deposit address. The
// private key never leaves this struct except through signing.
type DepositKey struct {
	// Address is the P2WPKH deposit address for this index
	Address btcutil.Address
	// PrivKey signs the spend of whatever arrives at Address
	PrivKey *btcec.PrivateKey
	// Index is the derivation index the key was created from
	Index int
}

// coinType maps chain parameters to their BIP44 coin type, erroring on
// networks we don't know
func coinType(network chaincfg.Params) (uint32, error) {
	switch network.Name {
	case chaincfg.MainNetParams.Name:
		return 0, nil
	case chaincfg.TestNet3Params.Name, chaincfg.RegressionNetParams.Name:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network.Name)
	}
}

// Derive derives the deposit key for the given index along
// m/84'/coin'/0'/0/index. Two calls with identical arguments always yield
// an identical address and key.
func Derive(seed []byte, network chaincfg.Params, index int) (DepositKey, error) {
	if index < 0 {
		return DepositKey{}, fmt.Errorf("negative derivation index %d", index)
	}

	coin, err := coinType(network)
	if err != nil {
		return DepositKey{}, err
	}

	master, err := hdkeychain.NewMaster(seed, &network)
	if err != nil {
		return DepositKey{}, fmt.Errorf("%w: %s", ErrInvalidSeed, err)
	}

	path := []uint32{
		purpose + hdkeychain.HardenedKeyStart,
		coin + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart, // account 0
		0,                           // external chain
		uint32(index),
	}

	key := master
	for _, child := range path {
		key, err = key.DeriveNonStandard(child)
		if err != nil {
			return DepositKey{}, fmt.Errorf("could not derive child %d: %w", child, err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return DepositKey{}, fmt.Errorf("could not extract private key: %w", err)
	}

	pubKeyHash := btcutil.Hash160(privKey.PubKey().SerializeCompressed())
	address, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, &network)
	if err != nil {
		return DepositKey{}, fmt.Errorf("could not create deposit address: %w", err)
	}

	return DepositKey{
		Address: address,
		PrivKey: privKey,
		Index:   index,
	}, nil
}
