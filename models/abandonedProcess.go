package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ProcessType string

const (
	ProcessTypeOrder        ProcessType = "order"
	ProcessTypeDeliveryTask ProcessType = "delivery_task"
	ProcessTypeTransaction  ProcessType = "transaction"
	ProcessTypeActivityLog  ProcessType = "activity_log"
)

// AllProcessTypes is the canonical scan order.
var AllProcessTypes = []ProcessType{
	ProcessTypeOrder,
	ProcessTypeDeliveryTask,
	ProcessTypeTransaction,
	ProcessTypeActivityLog,
}

func (t ProcessType) IsValid() bool {
	switch t {
	case ProcessTypeOrder, ProcessTypeDeliveryTask, ProcessTypeTransaction, ProcessTypeActivityLog:
		return true
	}
	return false
}

type AbandonedStatus string

const (
	AbandonedStatusDetected  AbandonedStatus = "detected"
	AbandonedStatusNotified  AbandonedStatus = "notified"
	AbandonedStatusEscalated AbandonedStatus = "escalated"
	AbandonedStatusResolved  AbandonedStatus = "resolved"
)

func (s AbandonedStatus) IsValid() bool {
	switch s {
	case AbandonedStatusDetected, AbandonedStatusNotified, AbandonedStatusEscalated, AbandonedStatusResolved:
		return true
	}
	return false
}

// IsTerminal is true only for resolved.
func (s AbandonedStatus) IsTerminal() bool {
	return s == AbandonedStatusResolved
}

// AbandonedProcess tracks one detection of a stuck business entity through
// detected -> notified/escalated -> resolved.
//
// ActiveKey is "<process_type>:<entity_id>" while the record is not resolved and
// NULL afterwards. Its unique index is what guarantees at most one active record
// per entity; MySQL allows any number of NULLs in a unique index.
type AbandonedProcess struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ProcessType      ProcessType     `gorm:"size:32;not null;index:idx_abandoned_type_status,priority:1;index:idx_abandoned_entity,priority:1" json:"processType"`
	EntityId         int             `gorm:"not null;index:idx_abandoned_entity,priority:2" json:"entityId"`
	Status           AbandonedStatus `gorm:"size:20;not null;index:idx_abandoned_type_status,priority:2" json:"status"`
	ActiveKey        *string         `gorm:"size:96;uniqueIndex:uniq_abandoned_active" json:"-"`
	DetectedAt       time.Time       `gorm:"not null;index" json:"detectedAt"`
	LastNotifiedAt   *time.Time      `json:"lastNotifiedAt"`
	ResolvedAt       *time.Time      `gorm:"index" json:"resolvedAt"`
	ResolutionAction *string         `gorm:"type:text" json:"resolutionAction"`
	MetadataJSON     datatypes.JSON  `gorm:"column:metadata;type:json" json:"-"`
	Metadata         ProcessMetadata `gorm:"-" json:"metadata"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

const abandonedProcessTable = "abandoned_processes"

func (AbandonedProcess) TableName() string { return abandonedProcessTable }

func ActiveKeyFor(processType ProcessType, entityId int) string {
	return fmt.Sprintf("%s:%d", processType, entityId)
}

// NewDetectedProcess builds the record a scan inserts for a fresh detection.
func NewDetectedProcess(processType ProcessType, entityId int, metadata ProcessMetadata, now time.Time) *AbandonedProcess {
	key := ActiveKeyFor(processType, entityId)
	return &AbandonedProcess{
		ProcessType: processType,
		EntityId:    entityId,
		Status:      AbandonedStatusDetected,
		ActiveKey:   &key,
		DetectedAt:  now,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkNotified moves the record to notified or escalated and stamps LastNotifiedAt.
func (p *AbandonedProcess) MarkNotified(status AbandonedStatus, now time.Time) {
	p.Status = status
	p.LastNotifiedAt = &now
	p.UpdatedAt = now
}

// MarkResolved closes the record. It also releases the active key so the
// entity can be detected again by a later scan.
func (p *AbandonedProcess) MarkResolved(action string, now time.Time) {
	action = strings.TrimSpace(action)
	p.Status = AbandonedStatusResolved
	p.ResolvedAt = &now
	p.ResolutionAction = &action
	p.ActiveKey = nil
	p.UpdatedAt = now
}

// Clone returns a copy that shares no pointers with p. Metadata snapshots are
// immutable values and are shared.
func (p *AbandonedProcess) Clone() *AbandonedProcess {
	if p == nil {
		return nil
	}
	c := *p
	if p.ActiveKey != nil {
		v := *p.ActiveKey
		c.ActiveKey = &v
	}
	if p.LastNotifiedAt != nil {
		v := *p.LastNotifiedAt
		c.LastNotifiedAt = &v
	}
	if p.ResolvedAt != nil {
		v := *p.ResolvedAt
		c.ResolvedAt = &v
	}
	if p.ResolutionAction != nil {
		v := *p.ResolutionAction
		c.ResolutionAction = &v
	}
	if p.MetadataJSON != nil {
		c.MetadataJSON = append(datatypes.JSON(nil), p.MetadataJSON...)
	}
	return &c
}

func (p *AbandonedProcess) BeforeCreate(tx *gorm.DB) error {
	if p.Metadata == nil {
		return nil
	}
	raw, err := EncodeProcessMetadata(p.Metadata)
	if err != nil {
		return err
	}
	p.MetadataJSON = raw
	return nil
}

func (p *AbandonedProcess) AfterFind(tx *gorm.DB) error {
	meta, err := DecodeProcessMetadata(p.ProcessType, p.MetadataJSON)
	if err != nil {
		return fmt.Errorf("abandoned process %d: %w", p.ID, err)
	}
	p.Metadata = meta
	return nil
}

// UnmarshalJSON restores the metadata variant from processType, so cached
// copies and API responses decode back into the concrete snapshot type.
func (p *AbandonedProcess) UnmarshalJSON(data []byte) error {
	type alias AbandonedProcess
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Metadata) == 0 || string(aux.Metadata) == "null" {
		p.Metadata = nil
		return nil
	}
	meta, err := DecodeProcessMetadata(p.ProcessType, aux.Metadata)
	if err != nil {
		return err
	}
	p.Metadata = meta
	p.MetadataJSON = datatypes.JSON(aux.Metadata)
	return nil
}
