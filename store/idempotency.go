package store

import (
	"context"
	"time"

	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"gorm.io/gorm"
)

// claimTimeout is how long a CLAIMED receipt blocks redelivery. A run that outlives it
// is still protected by the business lock.
const claimTimeout = 5 * time.Minute

// BeginMessage claims a run message. skip is true when an earlier delivery finished it.
func (s *GormStore) BeginMessage(ctx context.Context, businessId, handler, messageId string) (bool, error) {
	db := s.scoped(ctx, businessId)
	now := time.Now()
	receipt := models.RunMessageReceipt{
		BusinessId: businessId,
		Handler:    handler,
		MessageId:  messageId,
		Status:     models.ReceiptStatusClaimed,
		Deliveries: 1,
		ClaimedAt:  now,
	}
	if err := db.Create(&receipt).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.RunMessageReceipt
	if err := receiptQuery(db, businessId, handler, messageId).First(&existing).Error; err != nil {
		return false, translate(err)
	}

	switch existing.Status {
	case models.ReceiptStatusDone:
		return true, nil
	case models.ReceiptStatusClaimed:
		if now.Sub(existing.ClaimedAt) < claimTimeout {
			return false, host.ErrMessageInProgress
		}
	}
	return false, reclaim(db, existing.ID, now)
}

func receiptQuery(db *gorm.DB, businessId, handler, messageId string) *gorm.DB {
	return db.Model(&models.RunMessageReceipt{}).
		Where("business_id = ? AND handler = ? AND message_id = ?", businessId, handler, messageId)
}

func reclaim(db *gorm.DB, id int, now time.Time) error {
	return db.Model(&models.RunMessageReceipt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.ReceiptStatusClaimed,
			"deliveries":  gorm.Expr("deliveries + 1"),
			"claimed_at":  now,
			"finished_at": nil,
			"last_error":  nil,
		}).Error
}

// FinishMessage closes the receipt; a nil cause marks it done.
func (s *GormStore) FinishMessage(ctx context.Context, businessId, handler, messageId string, cause error) error {
	now := time.Now()
	updates := map[string]interface{}{"status": models.ReceiptStatusDone, "finished_at": now, "last_error": nil}
	if cause != nil {
		msg := cause.Error()
		updates["status"] = models.ReceiptStatusFailed
		updates["last_error"] = &msg
	}
	return receiptQuery(s.scoped(ctx, businessId), businessId, handler, messageId).Updates(updates).Error
}
