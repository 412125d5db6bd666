package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ProcessMetadata is the per-type snapshot captured when a stuck entity is first
// detected. Each process type has exactly one implementation.
type ProcessMetadata interface {
	ProcessType() ProcessType
}

type OrderSnapshot struct {
	OrderNumber    string          `json:"orderNumber"`
	BuyerId        int             `json:"buyerId"`
	SellerId       int             `json:"sellerId"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	OriginalStatus string          `json:"originalStatus"`
	CreatedAt      time.Time       `json:"createdAt"`
	HoursStuck     float64         `json:"hoursStuck"`
}

func (OrderSnapshot) ProcessType() ProcessType { return ProcessTypeOrder }

type DeliveryTaskSnapshot struct {
	OrderId        int       `json:"orderId"`
	DriverId       int       `json:"driverId"`
	DriverPhone    string    `json:"driverPhone,omitempty"`
	OriginalStatus string    `json:"originalStatus"`
	CreatedAt      time.Time `json:"createdAt"`
	HoursStuck     float64   `json:"hoursStuck"`
}

func (DeliveryTaskSnapshot) ProcessType() ProcessType { return ProcessTypeDeliveryTask }

type TransactionSnapshot struct {
	OrderId         int             `json:"orderId"`
	Reference       string          `json:"reference"`
	TransactionType string          `json:"transactionType"`
	Amount          decimal.Decimal `json:"amount"`
	OriginalStatus  string          `json:"originalStatus"`
	CreatedAt       time.Time       `json:"createdAt"`
	HoursStuck      float64         `json:"hoursStuck"`
}

func (TransactionSnapshot) ProcessType() ProcessType { return ProcessTypeTransaction }

type ActivityLogSnapshot struct {
	UserId     int       `json:"userId"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	DaysOld    int       `json:"daysOld"`
}

func (ActivityLogSnapshot) ProcessType() ProcessType { return ProcessTypeActivityLog }

// ElapsedHours is rounded to two decimals.
func ElapsedHours(since, now time.Time) float64 {
	return math.Round(now.Sub(since).Hours()*100) / 100
}

func ElapsedDays(since, now time.Time) int {
	return int(now.Sub(since).Hours() / 24)
}

func EncodeProcessMetadata(meta ProcessMetadata) (datatypes.JSON, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", meta.ProcessType(), err)
	}
	return datatypes.JSON(b), nil
}

// DecodeProcessMetadata picks the snapshot type from processType. Empty input
// decodes to nil.
func DecodeProcessMetadata(processType ProcessType, raw []byte) (ProcessMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		meta ProcessMetadata
		err  error
	)
	switch processType {
	case ProcessTypeOrder:
		var s OrderSnapshot
		err = json.Unmarshal(raw, &s)
		meta = s
	case ProcessTypeDeliveryTask:
		var s DeliveryTaskSnapshot
		err = json.Unmarshal(raw, &s)
		meta = s
	case ProcessTypeTransaction:
		var s TransactionSnapshot
		err = json.Unmarshal(raw, &s)
		meta = s
	case ProcessTypeActivityLog:
		var s ActivityLogSnapshot
		err = json.Unmarshal(raw, &s)
		meta = s
	default:
		return nil, fmt.Errorf("unknown process type %q", processType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", processType, err)
	}
	return meta, nil
}
