package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/giftlock/api/apierr"
	"gitlab.com/arcanecrypto/giftlock/models/gifts"
	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

// giftResponse is what every gift route responds with. Optional fields
// are only present once the gift reaches the state that sets them.
type giftResponse struct {
	ID                 int          `json:"id"`
	Status             gifts.Status `json:"status"`
	DepositAddress     string       `json:"depositAddress"`
	AmountRequestedSat int64        `json:"amountRequestedSat"`
	BeneficiaryPubKey  string       `json:"beneficiaryPubKey"`
	UnlockAt           int64        `json:"unlockAt"`
	FeePercent         float64      `json:"feePercent"`
	DepositTxid        *string      `json:"depositTxid,omitempty"`
	DepositAmountSat   *int64       `json:"depositAmountSat,omitempty"`
	LockTxid           *string      `json:"lockTxid,omitempty"`
	LockedAmountSat    *int64       `json:"lockedAmountSat,omitempty"`
	FeeSat             *int64       `json:"feeSat,omitempty"`
	FailureReason      *string      `json:"failureReason,omitempty"`
	ConfirmedAtBlock   *int         `json:"confirmedAtBlock,omitempty"`
	ConfirmedAt        *time.Time   `json:"confirmedAt,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
}

func toGiftResponse(gift gifts.Gift) giftResponse {
	return giftResponse{
		ID:                 gift.ID,
		Status:             gift.Status,
		DepositAddress:     gift.DepositAddress,
		AmountRequestedSat: gift.AmountRequestedSat,
		BeneficiaryPubKey:  gift.BeneficiaryPubKey,
		UnlockAt:           gift.UnlockAt,
		FeePercent:         gift.FeePercent(),
		DepositTxid:        gift.DepositTxid,
		DepositAmountSat:   gift.DepositAmountSat,
		LockTxid:           gift.LockTxid,
		LockedAmountSat:    gift.LockedAmountSat,
		FeeSat:             gift.FeeSat,
		FailureReason:      gift.FailureReason,
		ConfirmedAtBlock:   gift.ConfirmedAtBlock,
		ConfirmedAt:        gift.ConfirmedAt,
		CreatedAt:          gift.CreatedAt,
	}
}

// createGift is a request handler for creating a gift. It allocates a
// fresh deposit index, derives the deposit address and returns the gift
// in AWAITING_DEPOSIT.
func (r *RestServer) createGift() gin.HandlerFunc {
	type request struct {
		AmountRequestedSat int64  `json:"amountRequestedSat" binding:"required,gt=0"`
		BeneficiaryPubKey  string `json:"beneficiaryPubKey" binding:"required,pubkey"`
		UnlockAt           int64  `json:"unlockAt" binding:"required,unlocktime"`
		FeeBps             int64  `json:"feeBps" binding:"gte=0,lt=10000"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		// the binding already vetted the pubkey and timestamp, but the
		// lock script is what actually has to accept them
		beneficiary, err := txbuilder.ParseBeneficiaryPubKey(req.BeneficiaryPubKey)
		if err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidBeneficiaryPubKey)
			return
		}
		if _, err := txbuilder.NewLockScript(beneficiary, req.UnlockAt, r.network); err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrUnlockTimeOutOfRange)
			return
		}

		gift, err := gifts.New(r.db, r.seed, r.network, gifts.NewGiftArgs{
			AmountRequestedSat: req.AmountRequestedSat,
			BeneficiaryPubKey:  req.BeneficiaryPubKey,
			UnlockAt:           req.UnlockAt,
			FeeBps:             req.FeeBps,
		})
		if err != nil {
			log.WithError(err).Error("Could not create gift")
			_ = c.Error(err)
			return
		}

		c.JSONP(http.StatusOK, toGiftResponse(gift))
	}
}

// getGiftByID is a GET request that returns the gift with the ID given
// in the URL
func (r *RestServer) getGiftByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		gift, ok := r.giftFromUrlOrReject(c)
		if !ok {
			return
		}

		c.JSONP(http.StatusOK, toGiftResponse(gift))
	}
}

// checkGift is the webhook route deposit watchers call when they see
// activity on a deposit address. It runs one reconciliation pass for
// the gift and responds with the refreshed gift. A check that finds
// nothing new is a successful no-op.
func (r *RestServer) checkGift() gin.HandlerFunc {
	return func(c *gin.Context) {
		gift, ok := r.giftFromUrlOrReject(c)
		if !ok {
			return
		}

		if err := r.reconciler.ReconcileGift(gift); err != nil {
			log.WithError(err).WithField("id", gift.ID).Error("Webhook reconciliation failed")
			_ = c.Error(err)
			return
		}

		refreshed, err := gifts.GetByID(r.db, gift.ID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSONP(http.StatusOK, toGiftResponse(refreshed))
	}
}

func (r *RestServer) giftFromUrlOrReject(c *gin.Context) (gifts.Gift, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		log.Error(err)
		apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
		return gifts.Gift{}, false
	}

	gift, err := gifts.GetByID(r.db, int(id))
	if errors.Is(err, gifts.ErrGiftNotFound) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrGiftNotFound)
		return gifts.Gift{}, false
	}
	if err != nil {
		_ = c.Error(err)
		return gifts.Gift{}, false
	}

	return gift, true
}
