package models

import (
	"time"
)

// LedgerRecord is append-only. Seq orders records of all registries.
type LedgerRecord struct {
	Seq             int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	ID              string    `json:"id" gorm:"type:uuid;uniqueIndex"`
	RegistryAddress string    `json:"contract" gorm:"type:char(42);not null;index"`
	Kind            string    `json:"kind" gorm:"type:text;not null"`
	CredentialID    *int64    `json:"tokenId"`
	Actor           string    `json:"actor" gorm:"type:char(42);not null"`
	Subject         *string   `json:"subject" gorm:"type:char(42)"`
	Amount          *string   `json:"amount" gorm:"type:numeric(78,0)"`
	Enabled         *bool     `json:"enabled"`
	Timestamp       time.Time `json:"timestamp" gorm:"type:timestamp with time zone;not null"`
}
