package models

import (
	"time"
)

// Registry is one event. Amounts are wei-sized integers kept as numeric.
type Registry struct {
	Address       string    `json:"address" gorm:"primaryKey;type:char(42)"`
	Administrator string    `json:"administrator" gorm:"type:char(42);not null;uniqueIndex:uniq_registry_nonce,priority:1"`
	Nonce         int64     `json:"nonce" gorm:"not null;uniqueIndex:uniq_registry_nonce,priority:2"`
	Name          string    `json:"name" gorm:"type:text;not null"`
	Symbol        string    `json:"symbol" gorm:"type:text"`
	Venue         string    `json:"venue" gorm:"type:text;not null"`
	StartsAt      time.Time `json:"startsAt" gorm:"type:timestamp with time zone"`
	MetadataURI   string    `json:"metadataURI" gorm:"type:text"`
	Capacity      int64     `json:"capacity" gorm:"not null;check:capacity > 0"`
	Issued        int64     `json:"issued" gorm:"not null;default:0;check:issued <= capacity"`
	Price         string    `json:"price" gorm:"type:numeric(78,0);not null;default:0"`
	Balance       string    `json:"balance" gorm:"type:numeric(78,0);not null;default:0"`
	CDate         time.Time `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}

type Credential struct {
	RegistryAddress string     `json:"contract" gorm:"primaryKey;type:char(42)"`
	Registry        Registry   `json:"-" gorm:"foreignKey:RegistryAddress;references:Address;constraint:OnDelete:RESTRICT;"`
	TokenID         int64      `json:"tokenId" gorm:"primaryKey;autoIncrement:false"`
	Owner           string     `json:"owner" gorm:"type:char(42);not null;index"`
	Consumed        bool       `json:"consumed" gorm:"type:boolean;not null;default:false"`
	ConsumedBy      *string    `json:"consumedBy" gorm:"type:char(42)"`
	ConsumedAt      *time.Time `json:"consumedAt" gorm:"type:timestamp with time zone"`
	CDate           time.Time  `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}

type Verifier struct {
	RegistryAddress string    `json:"contract" gorm:"primaryKey;type:char(42)"`
	Registry        Registry  `json:"-" gorm:"foreignKey:RegistryAddress;references:Address;constraint:OnDelete:CASCADE;"`
	Identity        string    `json:"identity" gorm:"primaryKey;type:char(42)"`
	CDate           time.Time `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}
