package models

import "time"

// TransactionRecord is one indexed ledger transaction.
type TransactionRecord struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	TraceID    string    `gorm:"type:varchar(36);index;not null" json:"traceId"`
	LT         uint64    `gorm:"uniqueIndex;not null" json:"lt"`
	From       string    `gorm:"type:varchar(80);index;not null" json:"from"`
	To         string    `gorm:"type:varchar(80);index;not null" json:"to"`
	Op         string    `gorm:"type:varchar(64)" json:"op"`
	Value      uint64    `json:"value"`
	Success    bool      `gorm:"index" json:"success"`
	Bounced    bool      `json:"bounced"`
	ExitReason string    `gorm:"type:text" json:"exitReason"`
	CreatedAt  time.Time `gorm:"not null" json:"createdAt"`
}
