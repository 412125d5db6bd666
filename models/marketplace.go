package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Read models over tables owned by the marketplace application. The abandoned
// process manager only ever reads them; they are not part of MigrateTable.

const (
	OrderStatusPending         = "pending"
	OrderStatusPaymentReceived = "payment_received"

	DeliveryTaskStatusAssigned = "assigned"
	DeliveryTaskStatusPickedUp = "picked_up"

	TransactionStatusPending = "pending"
)

type Order struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderNumber string          `gorm:"size:64" json:"order_number"`
	BuyerId     int             `json:"buyer_id"`
	SellerId    int             `json:"seller_id"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(20,4)" json:"total_amount"`
	Status      string          `gorm:"size:32" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (Order) TableName() string { return "orders" }

type DeliveryTask struct {
	ID          int       `gorm:"primary_key" json:"id"`
	OrderId     int       `json:"order_id"`
	DriverId    int       `json:"driver_id"`
	DriverPhone string    `gorm:"size:32" json:"driver_phone"`
	Status      string    `gorm:"size:32" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (DeliveryTask) TableName() string { return "delivery_tasks" }

type Transaction struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OrderId         int             `json:"order_id"`
	Reference       string          `gorm:"size:128" json:"reference"`
	TransactionType string          `gorm:"size:32" json:"transaction_type"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	Status          string          `gorm:"size:32" json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

type ActivityLog struct {
	ID         int       `gorm:"primary_key" json:"id"`
	UserId     int       `json:"user_id"`
	Action     string    `gorm:"size:64" json:"action"`
	EntityType string    `gorm:"size:64" json:"entity_type"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ActivityLog) TableName() string { return "activity_logs" }
