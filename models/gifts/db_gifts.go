package gifts

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/giftlock/build"
	"gitlab.com/arcanecrypto/giftlock/db"
	"gitlab.com/arcanecrypto/giftlock/keys"
	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

var log = build.AddSubLogger("GIFT")

var (
	// ErrConcurrencyConflict means a conditional transition matched no
	// row because another invocation already claimed it. Expected under
	// concurrent reconciliation, callers should treat it as a no-op.
	ErrConcurrencyConflict = errors.New("gift was already claimed by a concurrent update")

	// ErrGiftNotFound means no gift with the given ID exists
	ErrGiftNotFound = errors.New("gift not found")
)

const giftReturningSql = ` RETURNING id, deposit_address, deposit_index, amount_requested_sat,
	beneficiary_pubkey, unlock_at, fee_bps, status, deposit_txid, deposit_vout,
	deposit_amount_sat, lock_txid, locked_amount_sat, fee_sat, failure_reason,
	confirmed_at_block, confirmed_at, created_at, updated_at, deleted_at`

// NewGiftArgs is what a caller supplies when creating a gift. The deposit
// address and index are derived here, never chosen by the caller.
type NewGiftArgs struct {
	AmountRequestedSat int64
	BeneficiaryPubKey  string
	UnlockAt           int64
	FeeBps             int64
}

// AllocateDepositIndex draws the next derivation index from the DB
// sequence. The sequence is the single source of truth: two concurrent
// creations can never see the same value, unlike a read-max-plus-one
// scheme.
func AllocateDepositIndex(d *db.DB) (int, error) {
	var index int
	if err := d.Get(&index, "SELECT nextval('gift_deposit_index_seq')"); err != nil {
		return 0, fmt.Errorf("could not allocate deposit index: %w", err)
	}
	return index, nil
}

// New allocates a deposit index, derives the deposit address for it and
// inserts the gift in AWAITING_DEPOSIT.
func New(d *db.DB, seed []byte, network chaincfg.Params, args NewGiftArgs) (Gift, error) {
	index, err := AllocateDepositIndex(d)
	if err != nil {
		return Gift{}, err
	}

	key, err := keys.Derive(seed, network, index)
	if err != nil {
		return Gift{}, fmt.Errorf("could not derive deposit address for index %d: %w", index, err)
	}

	gift := Gift{
		DepositAddress:     key.Address.EncodeAddress(),
		DepositIndex:       index,
		AmountRequestedSat: args.AmountRequestedSat,
		BeneficiaryPubKey:  args.BeneficiaryPubKey,
		UnlockAt:           args.UnlockAt,
		FeeBps:             args.FeeBps,
		Status:             AwaitingDeposit,
	}

	query := `INSERT INTO gifts (deposit_address, deposit_index, amount_requested_sat,
			beneficiary_pubkey, unlock_at, fee_bps, status)
		VALUES (:deposit_address, :deposit_index, :amount_requested_sat,
			:beneficiary_pubkey, :unlock_at, :fee_bps, :status)` + giftReturningSql

	rows, err := d.NamedQuery(query, gift)
	if err != nil {
		return Gift{}, fmt.Errorf("could not insert gift: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()

	if !rows.Next() {
		return Gift{}, fmt.Errorf("could not insert gift: %w", sql.ErrNoRows)
	}
	var inserted Gift
	if err := rows.StructScan(&inserted); err != nil {
		return Gift{}, fmt.Errorf("could not scan inserted gift: %w", err)
	}

	log.WithFields(logrus.Fields{
		"id":           inserted.ID,
		"address":      inserted.DepositAddress,
		"depositIndex": inserted.DepositIndex,
		"unlockAt":     inserted.UnlockAt,
	}).Info("Created new gift")

	return inserted, nil
}

// GetByID selects a gift by its primary key
func GetByID(d *db.DB, id int) (Gift, error) {
	var gift Gift
	err := d.Get(&gift, "SELECT * FROM gifts WHERE id=$1 LIMIT 1", id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Gift{}, ErrGiftNotFound
	case err != nil:
		log.WithError(err).WithField("id", id).Error("Could not get gift")
		return Gift{}, fmt.Errorf("could not get gift: %w", err)
	}
	return gift, nil
}

// GetByDepositAddress selects the gift owning the given deposit address
func GetByDepositAddress(d *db.DB, address string) (Gift, error) {
	var gift Gift
	err := d.Get(&gift, "SELECT * FROM gifts WHERE deposit_address=$1 LIMIT 1", address)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Gift{}, ErrGiftNotFound
	case err != nil:
		return Gift{}, fmt.Errorf("could not get gift by address: %w", err)
	}
	return gift, nil
}

// GetAllWithStatus selects every gift in the given state
func GetAllWithStatus(d *db.DB, status Status) ([]Gift, error) {
	result := []Gift{}
	err := d.Select(&result,
		"SELECT * FROM gifts WHERE status=$1 ORDER BY id", status)
	if err != nil {
		log.WithError(err).WithField("status", status).Error("Could not get gifts")
		return nil, err
	}
	return result, nil
}

// GetAllUnconfirmedLocked selects LOCKED gifts whose lock transaction
// hasn't been seen in a block yet
func GetAllUnconfirmedLocked(d *db.DB) ([]Gift, error) {
	result := []Gift{}
	err := d.Select(&result,
		"SELECT * FROM gifts WHERE status=$1 AND confirmed_at IS NULL", Locked)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkAsLocking attempts the conditional AWAITING_DEPOSIT → LOCKING
// transition, binding the deposit reference in the same statement. The
// WHERE clause is the at-most-once guard: exactly one concurrent caller
// gets a row back, everyone else gets ErrConcurrencyConflict.
func (g Gift) MarkAsLocking(database db.Inserter, utxo txbuilder.Utxo) (Gift, error) {
	txid := utxo.Txid.String()
	vout := int(utxo.Vout)
	amount := utxo.AmountSat

	g.Status = Locking
	g.DepositTxid = &txid
	g.DepositVout = &vout
	g.DepositAmountSat = &amount

	query := `UPDATE gifts
		SET status = :status, deposit_txid = :deposit_txid, deposit_vout = :deposit_vout,
		    deposit_amount_sat = :deposit_amount_sat, updated_at = now()
		WHERE id = :id AND status = 'AWAITING_DEPOSIT' AND deposit_txid IS NULL` + giftReturningSql

	return g.conditionalUpdate(database, query)
}

// MarkAsLocked records the broadcast lock transaction and completes the
// LOCKING → LOCKED transition.
func (g Gift) MarkAsLocked(database db.Inserter, lockTxid string, lockedSat int64, feeSat int64) (Gift, error) {
	g.Status = Locked
	g.LockTxid = &lockTxid
	g.LockedAmountSat = &lockedSat
	g.FeeSat = &feeSat

	query := `UPDATE gifts
		SET status = :status, lock_txid = :lock_txid, locked_amount_sat = :locked_amount_sat,
		    fee_sat = :fee_sat, updated_at = now()
		WHERE id = :id AND status = 'LOCKING' AND lock_txid IS NULL` + giftReturningSql

	return g.conditionalUpdate(database, query)
}

// MarkAsFailed records why lock construction or broadcast failed. The
// gift stays eligible for operator-initiated retry.
func (g Gift) MarkAsFailed(database db.Inserter, reason string) (Gift, error) {
	g.Status = Failed
	g.FailureReason = &reason

	query := `UPDATE gifts
		SET status = :status, failure_reason = :failure_reason, updated_at = now()
		WHERE id = :id AND status = 'LOCKING'` + giftReturningSql

	return g.conditionalUpdate(database, query)
}

// MarkAsConfirmed records the block height the lock transaction
// confirmed at
func (g Gift) MarkAsConfirmed(database db.Inserter, height int) (Gift, error) {
	g.Status = Locked
	g.ConfirmedAtBlock = &height

	query := `UPDATE gifts
		SET confirmed_at_block = :confirmed_at_block, confirmed_at = now(), updated_at = now()
		WHERE id = :id AND status = 'LOCKED' AND confirmed_at IS NULL` + giftReturningSql

	return g.conditionalUpdate(database, query)
}

// conditionalUpdate runs a guarded UPDATE, translating zero affected
// rows into ErrConcurrencyConflict
func (g Gift) conditionalUpdate(database db.Inserter, query string) (Gift, error) {
	rows, err := database.NamedQuery(query, g)
	if err != nil {
		return Gift{}, fmt.Errorf("could not update gift %d: %w", g.ID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()

	if !rows.Next() {
		return Gift{}, ErrConcurrencyConflict
	}

	var updated Gift
	if err := rows.StructScan(&updated); err != nil {
		return Gift{}, fmt.Errorf("could not scan updated gift: %w", err)
	}
	return updated, nil
}
