// Package reconciler drives funded gifts through their lifecycle. It
// watches deposit addresses, and when a qualifying deposit shows up it
// claims the gift, builds and broadcasts the splitting transaction, and
// commits the outcome. Reconciliation for a single gift may be triggered
// concurrently by the ZMQ push listener and the periodic sweep; the
// conditional LOCKING claim in the ledger guarantees only one trigger
// ever builds and broadcasts.
package reconciler

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/giftlock/build"
	"gitlab.com/arcanecrypto/giftlock/keys"
	"gitlab.com/arcanecrypto/giftlock/models/gifts"
	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

var log = build.AddSubLogger("RECN")

// ErrBadConfig means the reconciler is missing something it can't run
// without. This is operator-fixable and fails the whole pass, it is
// never retried automatically.
var ErrBadConfig = errors.New("bad reconciler configuration")

// Ledger is the conditional-update contract the reconciler consumes
// from the gift store. The transition methods must be atomic
// compare-and-sets: an in-process lock is not enough, because
// reconciliation may run in several processes at once.
type Ledger interface {
	GetAllAwaiting() ([]gifts.Gift, error)
	GetByDepositAddress(address string) (gifts.Gift, error)
	GetAllUnconfirmedLocked() ([]gifts.Gift, error)
	MarkAsLocking(gift gifts.Gift, utxo txbuilder.Utxo) (gifts.Gift, error)
	MarkAsLocked(gift gifts.Gift, lockTxid string, lockedSat, feeSat int64) (gifts.Gift, error)
	MarkAsFailed(gift gifts.Gift, reason string) (gifts.Gift, error)
	MarkAsConfirmed(gift gifts.Gift, height int) (gifts.Gift, error)
}

// ChainProvider is the part of the chain boundary reconciliation uses.
// *bitcoind.Conn satisfies it.
type ChainProvider interface {
	GetUtxo(address btcutil.Address) (*txbuilder.Utxo, error)
	EstimateFeeRate(target int64) (int64, error)
	Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error)
	TxConfirmations(txid *chainhash.Hash) (confirmations int64, height int64, err error)
}

// Config is everything a Reconciler needs beyond its collaborators
type Config struct {
	// Seed is the master seed deposit keys are re-derived from
	Seed []byte
	// Network is the chain we're running on, constructed once and
	// passed along, never a per-call string
	Network chaincfg.Params
	// FeeDestination receives the operator's fee output
	FeeDestination btcutil.Address
	// MinDepositSat is the qualifying-deposit threshold. Deposits below
	// it are treated as not having arrived yet.
	MinDepositSat int64
	// FeeTarget is the confirmation target used for fee estimation
	FeeTarget int64
	// SweepInterval is how often the polling sweep runs
	SweepInterval time.Duration
}

// Reconciler reconciles gifts against the chain. Reconciliation of
// different gifts is independent; there is no shared mutable state
// across gifts.
type Reconciler struct {
	ledger Ledger
	chain  ChainProvider
	conf   Config
}

// New validates the configuration and creates a Reconciler
func New(ledger Ledger, chain ChainProvider, conf Config) (*Reconciler, error) {
	if len(conf.Seed) == 0 {
		return nil, fmt.Errorf("%w: no master seed", ErrBadConfig)
	}
	if conf.FeeDestination == nil {
		return nil, fmt.Errorf("%w: no fee destination address", ErrBadConfig)
	}
	if conf.MinDepositSat < 1 {
		return nil, fmt.Errorf("%w: non-positive minimum deposit", ErrBadConfig)
	}
	if conf.FeeTarget < 1 {
		conf.FeeTarget = 6
	}
	if conf.SweepInterval == 0 {
		conf.SweepInterval = 2 * time.Minute
	}
	return &Reconciler{
		ledger: ledger,
		chain:  chain,
		conf:   conf,
	}, nil
}

// ReconcileGift runs one reconciliation pass for a single gift. It is
// idempotent and safe to call from any number of concurrent triggers:
// everything before the conditional claim is read-only, and the claim
// itself admits exactly one caller per deposit.
func (r *Reconciler) ReconcileGift(gift gifts.Gift) error {
	if gift.Status != gifts.AwaitingDeposit {
		log.WithFields(logrus.Fields{
			"id":     gift.ID,
			"status": gift.Status,
		}).Trace("Gift is not awaiting deposit, nothing to do")
		return nil
	}

	address, err := btcutil.DecodeAddress(gift.DepositAddress, &r.conf.Network)
	if err != nil {
		return fmt.Errorf("gift %d has bad deposit address %q: %w",
			gift.ID, gift.DepositAddress, err)
	}

	utxo, err := r.chain.GetUtxo(address)
	if err != nil {
		// provider trouble before anything was claimed degrades to a
		// retryable no-op, the next trigger tries again
		return fmt.Errorf("could not check deposit for gift %d: %w", gift.ID, err)
	}
	if utxo == nil || utxo.AmountSat < r.conf.MinDepositSat {
		if utxo != nil {
			log.WithFields(logrus.Fields{
				"id":        gift.ID,
				"amountSat": utxo.AmountSat,
				"minSat":    r.conf.MinDepositSat,
			}).Debug("Deposit below acceptance threshold, waiting for more")
		}
		return nil
	}

	// fetch the fee rate before claiming, so a provider failure here
	// leaves the gift claimable instead of lodged in LOCKING
	feeRate, err := r.chain.EstimateFeeRate(r.conf.FeeTarget)
	if err != nil {
		return fmt.Errorf("could not estimate fee rate for gift %d: %w", gift.ID, err)
	}

	claimed, err := r.ledger.MarkAsLocking(gift, *utxo)
	if errors.Is(err, gifts.ErrConcurrencyConflict) {
		log.WithField("id", gift.ID).Debug("Gift already claimed by a concurrent reconciliation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not claim gift %d: %w", gift.ID, err)
	}

	log.WithFields(logrus.Fields{
		"id":        claimed.ID,
		"txid":      *claimed.DepositTxid,
		"vout":      *claimed.DepositVout,
		"amountSat": *claimed.DepositAmountSat,
	}).Info("Claimed deposit, building lock transaction")

	split, err := r.buildSplit(claimed, *utxo, feeRate)
	if err != nil {
		return r.fail(claimed, fmt.Errorf("could not build lock transaction: %w", err))
	}

	lockTxid, err := r.chain.Broadcast(split.Tx)
	if err != nil {
		return r.fail(claimed, fmt.Errorf("could not broadcast lock transaction: %w", err))
	}

	locked, err := r.ledger.MarkAsLocked(claimed, lockTxid.String(), split.LockedSat, split.FeeSat)
	if err != nil {
		// the TX is on the network but the ledger doesn't know. record
		// it as loudly as we can and move the gift to FAILED with the
		// txid in the reason, an operator retry re-checks the deposit
		// UTXO and will find it spent
		log.WithError(err).WithFields(logrus.Fields{
			"id":       claimed.ID,
			"lockTxid": lockTxid.String(),
		}).Error("Broadcast succeeded but could not mark gift as locked")
		return r.fail(claimed, fmt.Errorf(
			"broadcast lock transaction %s but could not record it: %w", lockTxid, err))
	}

	log.WithFields(logrus.Fields{
		"id":        locked.ID,
		"lockTxid":  *locked.LockTxid,
		"lockedSat": *locked.LockedAmountSat,
		"feeSat":    *locked.FeeSat,
	}).Info("Gift locked")
	return nil
}

// buildSplit re-derives the deposit key and assembles the finalized
// splitting transaction for a claimed gift
func (r *Reconciler) buildSplit(gift gifts.Gift, utxo txbuilder.Utxo, feeRate int64) (
	txbuilder.Split, error) {

	key, err := keys.Derive(r.conf.Seed, r.conf.Network, gift.DepositIndex)
	if err != nil {
		return txbuilder.Split{}, err
	}
	if key.Address.EncodeAddress() != gift.DepositAddress {
		return txbuilder.Split{}, fmt.Errorf(
			"re-derived address %s does not match stored deposit address %s",
			key.Address.EncodeAddress(), gift.DepositAddress)
	}

	beneficiary, err := txbuilder.ParseBeneficiaryPubKey(gift.BeneficiaryPubKey)
	if err != nil {
		return txbuilder.Split{}, err
	}

	lockScript, err := txbuilder.NewLockScript(beneficiary, gift.UnlockAt, r.conf.Network)
	if err != nil {
		return txbuilder.Split{}, err
	}

	depositPkScript, err := txscript.PayToAddrScript(key.Address)
	if err != nil {
		return txbuilder.Split{}, err
	}

	return txbuilder.AssembleSplit(txbuilder.SplitArgs{
		Funding:         utxo,
		SigningKey:      key.PrivKey,
		DepositPkScript: depositPkScript,
		FeeDestination:  r.conf.FeeDestination,
		Lock:            lockScript,
		FeeBps:          gift.FeeBps,
		SatPerVbyte:     feeRate,
	})
}

// fail moves a claimed gift to FAILED, recording the reason. The claimed
// UTXO may or may not have been consumed, so a retry must re-check it.
func (r *Reconciler) fail(gift gifts.Gift, cause error) error {
	if _, err := r.ledger.MarkAsFailed(gift, cause.Error()); err != nil {
		log.WithError(err).WithField("id", gift.ID).
			Error("Could not mark gift as failed, it is lodged in LOCKING")
		return err
	}
	log.WithError(cause).WithField("id", gift.ID).Error("Gift failed")
	return cause
}

// ReconcileAll sweeps every gift awaiting a deposit. Failures for one
// gift never stop the others; the first error is returned after the
// sweep completes.
func (r *Reconciler) ReconcileAll() error {
	awaiting, err := r.ledger.GetAllAwaiting()
	if err != nil {
		return fmt.Errorf("could not list gifts awaiting deposits: %w", err)
	}

	var firstErr error
	for _, gift := range awaiting {
		if err := r.ReconcileGift(gift); err != nil {
			log.WithError(err).WithField("id", gift.ID).Error("Could not reconcile gift")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SweepForever runs the polling sweep until the quit channel closes.
// The sweep backstops the ZMQ push path: a missed notification only
// delays a gift by one interval.
//
// NOTE: This must be run as a goroutine
func (r *Reconciler) SweepForever(quit chan struct{}) {
	ticker := time.NewTicker(r.conf.SweepInterval)
	defer ticker.Stop()

	log.WithField("interval", r.conf.SweepInterval).Info("Started deposit sweep")
	for {
		select {
		case <-ticker.C:
			if err := r.ReconcileAll(); err != nil {
				log.WithError(err).Error("Deposit sweep finished with errors")
			}
		case <-quit:
			log.Info("Stopping deposit sweep")
			return
		}
	}
}
