package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ForwardingSample is one persisted per-cycle observation for a peer.
type ForwardingSample struct {
	Bucket     time.Time
	Section    string
	VolumeSat  decimal.Decimal
	RevenueSat decimal.Decimal
	EmaVolume  decimal.Decimal
	EmaRevenue decimal.Decimal
	Role       string
	Status     string
	Error      *string
	CreatedAt  time.Time
}

// FeeDecisionRecord captures one committed fee decision for auditing.
type FeeDecisionRecord struct {
	ID             int64
	Bucket         time.Time
	Section        string
	Rule           string
	Direction      string
	Gate           *string
	OldOutboundPPM int
	NewOutboundPPM int
	OldInboundPPM  int
	NewInboundPPM  int
	SinkRiskScore  decimal.Decimal
	Sensitivity    decimal.Decimal
	Reason         string
	CreatedAt      time.Time
}
