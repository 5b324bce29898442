package gifts

import (
	"encoding"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a gift. Transitions are monotonic:
// AWAITING_DEPOSIT → LOCKING → LOCKED → CLAIMED, with FAILED reachable
// from LOCKING and EXPIRED from AWAITING_DEPOSIT. LOCKING exists only to
// make lock construction happen at most once under concurrent triggers.
type Status string

func (s Status) MarshalText() (text []byte, err error) {
	lower := strings.ToLower(string(s))
	return []byte(lower), nil
}

var _ encoding.TextMarshaler = AwaitingDeposit

const (
	AwaitingDeposit Status = "AWAITING_DEPOSIT"
	Locking         Status = "LOCKING"
	Locked          Status = "LOCKED"
	Claimed         Status = "CLAIMED"
	Expired         Status = "EXPIRED"
	Failed          Status = "FAILED"
)

// Gift is the DB type for a single time-locked gift. This struct is only
// responsible for handling DB serialization and deserialization; the
// record in the database is the single source of truth, never a cached
// copy of this struct.
type Gift struct {
	ID int `db:"id"`

	// DepositAddress and DepositIndex are derived once at creation.
	// DepositIndex is allocated from a DB sequence and never reused.
	DepositAddress string `db:"deposit_address"`
	DepositIndex   int    `db:"deposit_index"`

	// AmountRequestedSat is what the sender said they'd deposit. The
	// locked amount is always taken from the actual deposit instead.
	AmountRequestedSat int64 `db:"amount_requested_sat"`

	// BeneficiaryPubKey is the hex-encoded compressed public key that
	// may spend the locked output once the lock expires
	BeneficiaryPubKey string `db:"beneficiary_pubkey"`

	// UnlockAt is the CLTV lock expiry as Unix seconds
	UnlockAt int64 `db:"unlock_at"`

	// FeeBps is the operator fee in hundredths of a percent. Stored as
	// an integer so it round-trips exactly.
	FeeBps int64 `db:"fee_bps"`

	Status Status `db:"status"`

	// deposit reference, bound once when the qualifying deposit is
	// observed and immutable after that
	DepositTxid      *string `db:"deposit_txid"`
	DepositVout      *int    `db:"deposit_vout"`
	DepositAmountSat *int64  `db:"deposit_amount_sat"`

	// LockTxid is set exactly once, when broadcast succeeds
	LockTxid        *string `db:"lock_txid"`
	LockedAmountSat *int64  `db:"locked_amount_sat"`
	FeeSat          *int64  `db:"fee_sat"`

	FailureReason *string `db:"failure_reason"`

	ConfirmedAtBlock *int       `db:"confirmed_at_block"`
	ConfirmedAt      *time.Time `db:"confirmed_at"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

// FeePercent returns the operator fee as a percentage
func (g Gift) FeePercent() float64 {
	return float64(g.FeeBps) / 100
}

func (g Gift) String() string {
	fragments := []string{
		fmt.Sprintf("Gift: {ID: %d", g.ID),
		fmt.Sprintf("DepositAddress: %s", g.DepositAddress),
		fmt.Sprintf("DepositIndex: %d", g.DepositIndex),
		fmt.Sprintf("Status: %s", g.Status),
		fmt.Sprintf("UnlockAt: %d", g.UnlockAt),
		fmt.Sprintf("FeeBps: %d", g.FeeBps),
	}

	if g.DepositTxid != nil {
		fragments = append(fragments, fmt.Sprintf("DepositTxid: %s", *g.DepositTxid))
	}
	if g.DepositVout != nil {
		fragments = append(fragments, fmt.Sprintf("DepositVout: %d", *g.DepositVout))
	}
	if g.DepositAmountSat != nil {
		fragments = append(fragments, fmt.Sprintf("DepositAmountSat: %d", *g.DepositAmountSat))
	}
	if g.LockTxid != nil {
		fragments = append(fragments, fmt.Sprintf("LockTxid: %s", *g.LockTxid))
	}
	if g.LockedAmountSat != nil {
		fragments = append(fragments, fmt.Sprintf("LockedAmountSat: %d", *g.LockedAmountSat))
	}
	if g.FailureReason != nil {
		fragments = append(fragments, fmt.Sprintf("FailureReason: %s", *g.FailureReason))
	}
	if g.ConfirmedAtBlock != nil {
		fragments = append(fragments, fmt.Sprintf("ConfirmedAtBlock: %d", *g.ConfirmedAtBlock))
	}

	fragments = append(fragments,
		fmt.Sprintf("CreatedAt: %v }", g.CreatedAt),
	)

	return strings.Join(fragments, ", ")
}
