package reconciler

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/giftlock/models/gifts"
)

// giftConfirmationLimit is how many confirmations the lock transaction
// needs before a gift is reported as settled
const giftConfirmationLimit = 3

// TxListener reconciles gifts as their deposits appear in the mempool.
// To spot deposits we loop through every output of every pushed tx and
// check whether the output address belongs to a gift awaiting one.
//
// NOTE: This must be run as a goroutine
func (r *Reconciler) TxListener(zmqRawTxCh chan *wire.MsgTx, quit chan struct{}) {
	for {
		var tx *wire.MsgTx
		select {
		case tx = <-zmqRawTxCh:
		case <-quit:
			return
		}

		for _, output := range tx.TxOut {
			// to extract the address, we first need to parse the output-script
			script, err := txscript.ParsePkScript(output.PkScript)
			if err != nil {
				// we continue to keep listening for new transactions
				continue
			}

			address, err := script.Address(&r.conf.Network)
			if err != nil {
				log.WithError(err).Error("Could not extract address from script")
				continue
			}

			gift, err := r.ledger.GetByDepositAddress(address.EncodeAddress())
			if errors.Is(err, gifts.ErrGiftNotFound) {
				// address does not belong to us
				continue
			}
			if err != nil {
				log.WithError(err).WithField("address", address.EncodeAddress()).
					Error("Could not look up gift by deposit address")
				continue
			}

			log.WithFields(logrus.Fields{
				"id":      gift.ID,
				"address": address.EncodeAddress(),
				"txid":    tx.TxHash().String(),
			}).Debug("Saw transaction paying to a gift deposit address")

			if err := r.ReconcileGift(gift); err != nil {
				log.WithError(err).WithField("id", gift.ID).
					Error("Could not reconcile gift after deposit notification")
			}
		}
	}
}

// BlockListener checks locked gifts against the chain every time a new
// block is found. Once the lock transaction has enough confirmations
// the gift is marked as confirmed.
//
// NOTE: This must be run as a goroutine
func (r *Reconciler) BlockListener(zmqBlockCh chan *wire.MsgBlock, quit chan struct{}) {
	for {
		// we don't use the block contents for anything, the block is
		// just a signal to re-check confirmation counts
		select {
		case <-zmqBlockCh:
		case <-quit:
			return
		}

		unconfirmed, err := r.ledger.GetAllUnconfirmedLocked()
		if err != nil {
			log.WithError(err).Error("Could not list unconfirmed locked gifts")
			continue
		}

		for _, gift := range unconfirmed {
			txid, err := chainhash.NewHashFromStr(*gift.LockTxid)
			if err != nil {
				log.WithError(err).WithField("id", gift.ID).
					Error("Gift has bad lock txid")
				continue
			}

			confirmations, height, err := r.chain.TxConfirmations(txid)
			if err != nil {
				log.WithError(err).WithField("id", gift.ID).
					Error("Could not check lock transaction confirmations")
				continue
			}
			if confirmations < giftConfirmationLimit {
				continue
			}

			log.WithFields(logrus.Fields{
				"id":            gift.ID,
				"lockTxid":      *gift.LockTxid,
				"confirmations": confirmations,
			}).Info("Lock transaction is confirmed")

			if _, err := r.ledger.MarkAsConfirmed(gift, int(height)); err != nil &&
				!errors.Is(err, gifts.ErrConcurrencyConflict) {
				log.WithError(err).WithField("id", gift.ID).
					Error("Could not mark gift as confirmed")
			}
		}
	}
}
