package reconciler

import (
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/giftlock/keys"
	"gitlab.com/arcanecrypto/giftlock/models/gifts"
	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

var testSeed = []byte("reconciler test seed, 32 bytes!!")

// memLedger reimplements the conditional transitions of the DB ledger on
// a map, so concurrency behavior can be tested without a database. Every
// transition checks the stored row, not the caller's snapshot, exactly
// like the guarded UPDATEs do.
type memLedger struct {
	mu    sync.Mutex
	gifts map[int]gifts.Gift
}

func newMemLedger(initial ...gifts.Gift) *memLedger {
	ledger := &memLedger{gifts: make(map[int]gifts.Gift)}
	for _, gift := range initial {
		ledger.gifts[gift.ID] = gift
	}
	return ledger
}

func (m *memLedger) get(id int) gifts.Gift {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gifts[id]
}

func (m *memLedger) GetAllAwaiting() ([]gifts.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var awaiting []gifts.Gift
	for _, gift := range m.gifts {
		if gift.Status == gifts.AwaitingDeposit {
			awaiting = append(awaiting, gift)
		}
	}
	return awaiting, nil
}

func (m *memLedger) GetByDepositAddress(address string) (gifts.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gift := range m.gifts {
		if gift.DepositAddress == address {
			return gift, nil
		}
	}
	return gifts.Gift{}, gifts.ErrGiftNotFound
}

func (m *memLedger) GetAllUnconfirmedLocked() ([]gifts.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unconfirmed []gifts.Gift
	for _, gift := range m.gifts {
		if gift.Status == gifts.Locked && gift.ConfirmedAtBlock == nil {
			unconfirmed = append(unconfirmed, gift)
		}
	}
	return unconfirmed, nil
}

func (m *memLedger) MarkAsLocking(gift gifts.Gift, utxo txbuilder.Utxo) (gifts.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.gifts[gift.ID]
	if !ok || stored.Status != gifts.AwaitingDeposit {
		return gifts.Gift{}, gifts.ErrConcurrencyConflict
	}
	txid := utxo.Txid.String()
	vout := int(utxo.Vout)
	amount := utxo.AmountSat
	stored.Status = gifts.Locking
	stored.DepositTxid = &txid
	stored.DepositVout = &vout
	stored.DepositAmountSat = &amount
	m.gifts[gift.ID] = stored
	return stored, nil
}

func (m *memLedger) MarkAsLocked(gift gifts.Gift, lockTxid string, lockedSat, feeSat int64) (gifts.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.gifts[gift.ID]
	if !ok || stored.Status != gifts.Locking {
		return gifts.Gift{}, gifts.ErrConcurrencyConflict
	}
	stored.Status = gifts.Locked
	stored.LockTxid = &lockTxid
	stored.LockedAmountSat = &lockedSat
	stored.FeeSat = &feeSat
	m.gifts[gift.ID] = stored
	return stored, nil
}

func (m *memLedger) MarkAsFailed(gift gifts.Gift, reason string) (gifts.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.gifts[gift.ID]
	if !ok || stored.Status != gifts.Locking {
		return gifts.Gift{}, gifts.ErrConcurrencyConflict
	}
	stored.Status = gifts.Failed
	stored.FailureReason = &reason
	m.gifts[gift.ID] = stored
	return stored, nil
}

func (m *memLedger) MarkAsConfirmed(gift gifts.Gift, height int) (gifts.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.gifts[gift.ID]
	if !ok || stored.Status != gifts.Locked || stored.ConfirmedAtBlock != nil {
		return gifts.Gift{}, gifts.ErrConcurrencyConflict
	}
	stored.ConfirmedAtBlock = &height
	m.gifts[gift.ID] = stored
	return stored, nil
}

// lockCommitFailLedger claims like the real ledger but refuses the
// LOCKED commit, as a ledger losing its connection right after a
// broadcast would
type lockCommitFailLedger struct {
	*memLedger
	lockedErr error
}

func (l *lockCommitFailLedger) MarkAsLocked(gift gifts.Gift, lockTxid string, lockedSat, feeSat int64) (gifts.Gift, error) {
	return gifts.Gift{}, l.lockedErr
}

// fakeChain is a scriptable ChainProvider that records broadcasts
type fakeChain struct {
	mu sync.Mutex

	utxo    *txbuilder.Utxo
	utxoErr error

	feeRate int64
	feeErr  error

	broadcastErr error
	broadcasts   []*wire.MsgTx

	confirmations int64
	height        int64
	confErr       error
}

func (f *fakeChain) GetUtxo(address btcutil.Address) (*txbuilder.Utxo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utxo, f.utxoErr
}

func (f *fakeChain) EstimateFeeRate(target int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feeErr != nil {
		return 0, f.feeErr
	}
	if f.feeRate == 0 {
		return 1, nil
	}
	return f.feeRate, nil
}

func (f *fakeChain) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return nil, f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func (f *fakeChain) TxConfirmations(txid *chainhash.Hash) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmations, f.height, f.confErr
}

func (f *fakeChain) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func testConfig(t *testing.T) Config {
	t.Helper()

	feeKey, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	feeAddress, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(feeKey.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return Config{
		Seed:           testSeed,
		Network:        chaincfg.RegressionNetParams,
		FeeDestination: feeAddress,
		MinDepositSat:  20000,
	}
}

// awaitingGift creates a gift whose deposit address really derives from
// the test seed, so the reconciler's re-derivation check passes
func awaitingGift(t *testing.T, id, depositIndex int) gifts.Gift {
	t.Helper()

	depositKey, err := keys.Derive(testSeed, chaincfg.RegressionNetParams, depositIndex)
	require.NoError(t, err)

	beneficiary, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)

	return gifts.Gift{
		ID:                 id,
		DepositAddress:     depositKey.Address.EncodeAddress(),
		DepositIndex:       depositIndex,
		AmountRequestedSat: 100000,
		BeneficiaryPubKey:  hex.EncodeToString(beneficiary.PubKey().SerializeCompressed()),
		UnlockAt:           time.Now().Add(24 * time.Hour).Unix(),
		FeeBps:             100,
		Status:             gifts.AwaitingDeposit,
	}
}

func depositUtxo(t *testing.T, amountSat int64) *txbuilder.Utxo {
	t.Helper()
	txid, err := chainhash.NewHashFromStr(
		"aa94ab02c182214f090e99a0d57021caffd0f195a81c24602b1028b130b63e31")
	require.NoError(t, err)
	return &txbuilder.Utxo{Txid: *txid, Vout: 0, AmountSat: amountSat}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("applies defaults", func(t *testing.T) {
		rec, err := New(newMemLedger(), &fakeChain{}, testConfig(t))
		require.NoError(t, err)
		assert.Equal(t, int64(6), rec.conf.FeeTarget)
		assert.Equal(t, 2*time.Minute, rec.conf.SweepInterval)
	})

	t.Run("rejects a missing seed", func(t *testing.T) {
		conf := testConfig(t)
		conf.Seed = nil
		_, err := New(newMemLedger(), &fakeChain{}, conf)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadConfig))
	})

	t.Run("rejects a missing fee destination", func(t *testing.T) {
		conf := testConfig(t)
		conf.FeeDestination = nil
		_, err := New(newMemLedger(), &fakeChain{}, conf)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadConfig))
	})

	t.Run("rejects a non-positive deposit threshold", func(t *testing.T) {
		conf := testConfig(t)
		conf.MinDepositSat = 0
		_, err := New(newMemLedger(), &fakeChain{}, conf)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadConfig))
	})
}

func TestReconcileGift(t *testing.T) {
	t.Parallel()

	t.Run("locks a funded gift", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxo: depositUtxo(t, 100000)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.NoError(t, rec.ReconcileGift(gift))

		require.Equal(t, 1, chain.broadcastCount())

		updated := ledger.get(gift.ID)
		assert.Equal(t, gifts.Locked, updated.Status)
		require.NotNil(t, updated.LockTxid)
		assert.Equal(t, chain.broadcasts[0].TxHash().String(), *updated.LockTxid)
		require.NotNil(t, updated.LockedAmountSat)
		require.NotNil(t, updated.FeeSat)
		assert.True(t, *updated.LockedAmountSat+*updated.FeeSat < 100000,
			"relay fee must come out of the deposit")
		require.NotNil(t, updated.DepositTxid)
		assert.Equal(t, depositUtxo(t, 100000).Txid.String(), *updated.DepositTxid)
	})

	t.Run("concurrent triggers broadcast exactly once", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxo: depositUtxo(t, 100000)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)

		const triggers = 16
		var wg sync.WaitGroup
		errs := make([]error, triggers)
		for i := 0; i < triggers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// every trigger starts from the same stale snapshot, as a
				// webhook and a sweep racing each other would
				errs[i] = rec.ReconcileGift(gift)
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			assert.NoError(t, err, "trigger %d", i)
		}
		assert.Equal(t, 1, chain.broadcastCount())
		assert.Equal(t, gifts.Locked, ledger.get(gift.ID).Status)
	})

	t.Run("no deposit is a no-op", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxo: nil}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.NoError(t, rec.ReconcileGift(gift))

		assert.Equal(t, 0, chain.broadcastCount())
		assert.Equal(t, gifts.AwaitingDeposit, ledger.get(gift.ID).Status)
	})

	t.Run("deposit below the threshold is a no-op", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxo: depositUtxo(t, 19999)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.NoError(t, rec.ReconcileGift(gift))

		assert.Equal(t, 0, chain.broadcastCount())
		assert.Equal(t, gifts.AwaitingDeposit, ledger.get(gift.ID).Status)
	})

	t.Run("gift not awaiting a deposit is a no-op", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		gift.Status = gifts.Locked
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxo: depositUtxo(t, 100000)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.NoError(t, rec.ReconcileGift(gift))
		assert.Equal(t, 0, chain.broadcastCount())
	})

	t.Run("utxo lookup failure leaves the gift claimable", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxoErr: errors.New("bitcoind is down")}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.Error(t, rec.ReconcileGift(gift))

		assert.Equal(t, 0, chain.broadcastCount())
		assert.Equal(t, gifts.AwaitingDeposit, ledger.get(gift.ID).Status)
	})

	t.Run("fee estimation failure leaves the gift claimable", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{
			utxo:   depositUtxo(t, 100000),
			feeErr: errors.New("bitcoind is down"),
		}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.Error(t, rec.ReconcileGift(gift))

		assert.Equal(t, 0, chain.broadcastCount())
		assert.Equal(t, gifts.AwaitingDeposit, ledger.get(gift.ID).Status,
			"a provider failure before the claim must not lodge the gift in LOCKING")
	})

	t.Run("broadcast rejection fails the gift with the reason", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{
			utxo:         depositUtxo(t, 100000),
			broadcastErr: errors.New("min relay fee not met"),
		}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.Error(t, rec.ReconcileGift(gift))

		updated := ledger.get(gift.ID)
		assert.Equal(t, gifts.Failed, updated.Status)
		require.NotNil(t, updated.FailureReason)
		assert.Contains(t, *updated.FailureReason, "min relay fee not met")
	})

	t.Run("failed commit after broadcast fails the gift with the txid", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		ledger := &lockCommitFailLedger{
			memLedger: newMemLedger(gift),
			lockedErr: errors.New("connection reset by peer"),
		}
		chain := &fakeChain{utxo: depositUtxo(t, 100000)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.Error(t, rec.ReconcileGift(gift))

		require.Equal(t, 1, chain.broadcastCount())
		updated := ledger.get(gift.ID)
		assert.Equal(t, gifts.Failed, updated.Status,
			"the gift must not stay lodged in LOCKING")
		require.NotNil(t, updated.FailureReason)
		assert.Contains(t, *updated.FailureReason, chain.broadcasts[0].TxHash().String(),
			"the failure reason must carry the broadcast txid")
	})

	t.Run("deposit too small to split fails the gift", func(t *testing.T) {
		conf := testConfig(t)
		conf.MinDepositSat = 1

		gift := awaitingGift(t, 1, 0)
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxo: depositUtxo(t, 600)}

		rec, err := New(ledger, chain, conf)
		require.NoError(t, err)
		require.Error(t, rec.ReconcileGift(gift))

		assert.Equal(t, 0, chain.broadcastCount())
		updated := ledger.get(gift.ID)
		assert.Equal(t, gifts.Failed, updated.Status)
		require.NotNil(t, updated.FailureReason)
	})

	t.Run("deposit address not derived from the seed fails the gift", func(t *testing.T) {
		gift := awaitingGift(t, 1, 0)
		// stored index doesn't match the stored address
		gift.DepositIndex = 5
		ledger := newMemLedger(gift)
		chain := &fakeChain{utxo: depositUtxo(t, 100000)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.Error(t, rec.ReconcileGift(gift))

		assert.Equal(t, 0, chain.broadcastCount())
		assert.Equal(t, gifts.Failed, ledger.get(gift.ID).Status)
	})
}

func TestReconcileAll(t *testing.T) {
	t.Parallel()

	t.Run("reconciles every awaiting gift", func(t *testing.T) {
		first := awaitingGift(t, 1, 0)
		second := awaitingGift(t, 2, 1)
		ledger := newMemLedger(first, second)
		chain := &fakeChain{utxo: depositUtxo(t, 100000)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)
		require.NoError(t, rec.ReconcileAll())

		assert.Equal(t, 2, chain.broadcastCount())
		assert.Equal(t, gifts.Locked, ledger.get(1).Status)
		assert.Equal(t, gifts.Locked, ledger.get(2).Status)
	})

	t.Run("one bad gift does not stop the sweep", func(t *testing.T) {
		bad := awaitingGift(t, 1, 0)
		bad.DepositAddress = "not an address"
		good := awaitingGift(t, 2, 1)
		ledger := newMemLedger(bad, good)
		chain := &fakeChain{utxo: depositUtxo(t, 100000)}

		rec, err := New(ledger, chain, testConfig(t))
		require.NoError(t, err)

		err = rec.ReconcileAll()
		require.Error(t, err, "the sweep must report the bad gift")
		assert.Equal(t, gifts.Locked, ledger.get(2).Status,
			"the good gift must still be reconciled")
	})
}
