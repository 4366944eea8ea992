package models

import "time"

// CharityEntryModel is the per sold-to party admission counter.
// One row per party; Count never exceeds the configured quota limit.
type CharityEntryModel struct {
	SoldToParty string    `gorm:"column:sold_to_party;type:varchar(64);primaryKey"`
	Count       int       `gorm:"column:count;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CharityEntryModel) TableName() string {
	return "charity_entries"
}

// CharityAdmissionModel records which sales orders hold a slot of a party's
// quota. A party has at most limit rows; denied orders leave none.
type CharityAdmissionModel struct {
	SoldToParty string    `gorm:"column:sold_to_party;type:varchar(64);primaryKey"`
	SalesOrder  string    `gorm:"column:sales_order;type:varchar(64);primaryKey"`
	CreatedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CharityAdmissionModel) TableName() string {
	return "charity_admissions"
}
