package reconciler

import (
	"gitlab.com/arcanecrypto/giftlock/db"
	"gitlab.com/arcanecrypto/giftlock/models/gifts"
	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

// DbLedger adapts the gifts store to the Ledger interface
type DbLedger struct {
	DB *db.DB
}

var _ Ledger = DbLedger{}

func (l DbLedger) GetAllAwaiting() ([]gifts.Gift, error) {
	return gifts.GetAllWithStatus(l.DB, gifts.AwaitingDeposit)
}

func (l DbLedger) GetByDepositAddress(address string) (gifts.Gift, error) {
	return gifts.GetByDepositAddress(l.DB, address)
}

func (l DbLedger) GetAllUnconfirmedLocked() ([]gifts.Gift, error) {
	return gifts.GetAllUnconfirmedLocked(l.DB)
}

func (l DbLedger) MarkAsLocking(gift gifts.Gift, utxo txbuilder.Utxo) (gifts.Gift, error) {
	return gift.MarkAsLocking(l.DB, utxo)
}

func (l DbLedger) MarkAsLocked(gift gifts.Gift, lockTxid string, lockedSat, feeSat int64) (gifts.Gift, error) {
	return gift.MarkAsLocked(l.DB, lockTxid, lockedSat, feeSat)
}

func (l DbLedger) MarkAsFailed(gift gifts.Gift, reason string) (gifts.Gift, error) {
	return gift.MarkAsFailed(l.DB, reason)
}

func (l DbLedger) MarkAsConfirmed(gift gifts.Gift, height int) (gifts.Gift, error) {
	return gift.MarkAsConfirmed(l.DB, height)
}
