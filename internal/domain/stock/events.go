package stock

import (
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
)

// Outbox event types.
const (
	EventReceived           = "stock.received"
	EventDispensed          = "stock.dispensed"
	EventAdjusted           = "stock.adjusted"
	EventTransferred        = "stock.transferred"
	EventAllocated          = "stock.allocated"
	EventReleased           = "stock.released"
	EventExpiredRemoved     = "stock.expired_removed"
	EventReconciled         = "stock.reconciled"
	EventBatchQuarantined   = "stock.batch_quarantined"
	EventBatchReleased      = "stock.batch_released"
	EventBatchSettingsSaved = "stock.batch_settings_updated"
)

// MovementsPayload is the body of every movement-producing event.
type MovementsPayload struct {
	PharmacyID id.ID                  `json:"pharmacyId"`
	UserID     string                 `json:"userId,omitempty"`
	Movements  []entity.StockMovement `json:"movements"`
}

// BatchPayload is the body of batch maintenance events.
type BatchPayload struct {
	Batch  entity.StockBatch `json:"batch"`
	UserID string            `json:"userId,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

func movementsEvent(eventType string, pharmacyID id.ID, userID string, movements []entity.StockMovement) Event {
	return Event{
		Type:        eventType,
		AggregateID: pharmacyID.String(),
		Payload: MovementsPayload{
			PharmacyID: pharmacyID,
			UserID:     userID,
			Movements:  movements,
		},
	}
}
