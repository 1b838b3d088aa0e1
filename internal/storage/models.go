package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandidateStatus is the finite state of a verification candidate.
type CandidateStatus string

const (
	CandidatePending             CandidateStatus = "pending"
	CandidateScanningDatacenter  CandidateStatus = "scanning_datacenter"
	CandidateScanningResidential CandidateStatus = "scanning_residential"
	CandidateVerified            CandidateStatus = "verified"
	CandidateRejected            CandidateStatus = "rejected"
)

// Active reports whether the candidate still awaits a terminal outcome.
func (s CandidateStatus) Active() bool {
	switch s {
	case CandidatePending, CandidateScanningDatacenter, CandidateScanningResidential:
		return true
	default:
		return false
	}
}

// Scan job states.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Product is a tracked retailer listing. Price history rows reference it by id.
type Product struct {
	ID             int64
	Store          string
	SKU            string
	Category       string
	URL            string
	Title          string
	MSRP           *decimal.Decimal
	MSRPSource     string
	MSRPVerifiedAt *time.Time
	BaselinePrice  *decimal.Decimal
	CreatedAt      time.Time
}

// PriceObservation is one recorded price for a product.
type PriceObservation struct {
	ID            int64
	ProductID     int64
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	Shipping      decimal.Decimal
	Availability  string
	Confidence    float64
	FetchedAt     time.Time
}

// Signal is a low-confidence hint that a price event happened.
type Signal struct {
	ID            int64
	Source        string
	Retailer      string
	ProductID     string
	URL           string
	DetectedPrice *decimal.Decimal
	DetectedAt    time.Time
	SignalType    string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// Candidate is a signal admitted for verification.
type Candidate struct {
	ID               int64
	Retailer         string
	ProductID        string
	URL              string
	SourceSignalID   int64
	SignalPrice      *decimal.Decimal
	PriorityScore    int
	Status           CandidateStatus
	EscalationReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ProcessedAt      *time.Time
}

// ScanEvidence records one verification pass. Rows are never updated.
type ScanEvidence struct {
	ID             int64
	CandidateID    int64
	ScanPass       int
	ProxyType      string
	PriceConfirmed bool
	StockStatus    string
	ObservedPrice  *decimal.Decimal
	Error          string
	Timestamp      time.Time
}

// RuleRecord is the persisted form of a detection rule.
type RuleRecord struct {
	ID        int64
	Name      string
	RuleType  string
	Threshold decimal.Decimal
	Enabled   bool
	Priority  int
}

// ScanJob tracks one scan run.
type ScanJob struct {
	ID             int64
	RunID          string
	Trigger        string
	Status         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	ProcessedItems int
	SuccessCount   int
	ErrorCount     int
	DealsFound     int
	ErrorMessage   string
}

// ProductBaseline is the cached statistical baseline for a product.
type ProductBaseline struct {
	ProductID        int64
	Avg7d            float64
	Avg30d           float64
	MinSeen          float64
	MaxSeen          float64
	StdDev           float64
	CurrentBaseline  float64
	Stability        float64
	ObservationCount int
	LastPrice        float64
	LastCalculated   time.Time
}
