package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Repository used by tests and dry runs.
// Products own their price history through id lists; observations are looked up by id.
type MemoryStore struct {
	mu sync.RWMutex

	nextID int64

	products     map[int64]Product
	productIndex map[string]int64
	history      map[int64][]int64
	observations map[int64]PriceObservation
	signals      map[int64]Signal
	candidates   map[int64]Candidate
	evidence     map[int64][]ScanEvidence
	rules        map[int64]RuleRecord
	jobs         map[int64]ScanJob
	baselines    map[int64]ProductBaseline
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[int64]Product),
		productIndex: make(map[string]int64),
		history:      make(map[int64][]int64),
		observations: make(map[int64]PriceObservation),
		signals:      make(map[int64]Signal),
		candidates:   make(map[int64]Candidate),
		evidence:     make(map[int64][]ScanEvidence),
		rules:        make(map[int64]RuleRecord),
		jobs:         make(map[int64]ScanJob),
		baselines:    make(map[int64]ProductBaseline),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func productKey(store, sku string) string {
	return store + "\x00" + sku
}

// GetProduct loads a product by id.
func (m *MemoryStore) GetProduct(_ context.Context, id int64) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	product, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return product, nil
}

// FindProduct loads a product by store and SKU.
func (m *MemoryStore) FindProduct(_ context.Context, store, sku string) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.productIndex[productKey(store, sku)]
	if !ok {
		return Product{}, ErrNotFound
	}
	return m.products[id], nil
}

// EnsureProduct inserts the product or refreshes its descriptive fields.
func (m *MemoryStore) EnsureProduct(_ context.Context, product Product) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := productKey(product.Store, product.SKU)
	if id, ok := m.productIndex[key]; ok {
		existing := m.products[id]
		if product.Category != "" {
			existing.Category = product.Category
		}
		if product.URL != "" {
			existing.URL = product.URL
		}
		if product.Title != "" {
			existing.Title = product.Title
		}
		m.products[id] = existing
		return existing, nil
	}

	product.ID = m.id()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	m.products[product.ID] = product
	m.productIndex[key] = product.ID
	return product, nil
}

// ListProducts returns all products ordered by id.
func (m *MemoryStore) ListProducts(_ context.Context) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	products := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// UpdateProductBaseline stores the latest computed baseline price.
func (m *MemoryStore) UpdateProductBaseline(_ context.Context, id int64, baseline decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	product, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	product.BaselinePrice = &baseline
	m.products[id] = product
	return nil
}

// UpdateProductMSRP stores a verified MSRP.
func (m *MemoryStore) UpdateProductMSRP(_ context.Context, id int64, msrp decimal.Decimal, source string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	product, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	product.MSRP = &msrp
	product.MSRPSource = source
	product.MSRPVerifiedAt = &verifiedAt
	m.products[id] = product
	return nil
}

// AddObservation appends a price observation to the product's history.
func (m *MemoryStore) AddObservation(_ context.Context, obs PriceObservation) (PriceObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[obs.ProductID]; !ok {
		return PriceObservation{}, ErrNotFound
	}
	obs.ID = m.id()
	m.observations[obs.ID] = obs
	m.history[obs.ProductID] = append(m.history[obs.ProductID], obs.ID)
	return obs, nil
}

// ListObservations lists a product's price history, newest first.
func (m *MemoryStore) ListObservations(_ context.Context, productID int64, since time.Time, limit int) ([]PriceObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observationsFor(productID, since, limit), nil
}

func (m *MemoryStore) observationsFor(productID int64, since time.Time, limit int) []PriceObservation {
	ids := m.history[productID]
	out := make([]PriceObservation, 0, len(ids))
	for _, id := range ids {
		obs := m.observations[id]
		if !since.IsZero() && obs.FetchedAt.Before(since) {
			continue
		}
		out = append(out, obs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].FetchedAt.After(out[j].FetchedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListSKUPrices lists observed prices for a SKU across all stores.
func (m *MemoryStore) ListSKUPrices(_ context.Context, sku string, since time.Time) ([]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prices := make([]decimal.Decimal, 0)
	for _, product := range m.products {
		if product.SKU != sku {
			continue
		}
		for _, obs := range m.observationsFor(product.ID, since, 0) {
			prices = append(prices, obs.Price)
		}
	}
	return prices, nil
}

// ListCategoryPrices lists the latest price of every product in a category.
func (m *MemoryStore) ListCategoryPrices(_ context.Context, category string, since time.Time) ([]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestPrices(func(p Product) bool { return p.Category == category }, since), nil
}

// ListSiblingPrices lists the latest price of variants sharing a base SKU.
func (m *MemoryStore) ListSiblingPrices(_ context.Context, store, baseSKU string, excludeID int64) ([]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestPrices(func(p Product) bool {
		if p.Store != store || p.ID == excludeID {
			return false
		}
		return p.SKU == baseSKU || strings.HasPrefix(p.SKU, baseSKU+"-")
	}, time.Time{}), nil
}

func (m *MemoryStore) latestPrices(match func(Product) bool, since time.Time) []decimal.Decimal {
	ids := make([]int64, 0)
	for id, product := range m.products {
		if match(product) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	prices := make([]decimal.Decimal, 0, len(ids))
	for _, id := range ids {
		latest := m.observationsFor(id, since, 1)
		if len(latest) == 1 {
			prices = append(prices, latest[0].Price)
		}
	}
	return prices
}

// InsertSignal persists a signal.
func (m *MemoryStore) InsertSignal(_ context.Context, signal Signal) (Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	signal.ID = m.id()
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = time.Now().UTC()
	}
	m.signals[signal.ID] = signal
	return signal, nil
}

// GetSignal loads a signal by id.
func (m *MemoryStore) GetSignal(_ context.Context, id int64) (Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	signal, ok := m.signals[id]
	if !ok {
		return Signal{}, ErrNotFound
	}
	return signal, nil
}

// InsertCandidate persists a new candidate.
func (m *MemoryStore) InsertCandidate(_ context.Context, candidate Candidate) (Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidate.ID = m.id()
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now().UTC()
	}
	candidate.UpdatedAt = candidate.CreatedAt
	m.candidates[candidate.ID] = candidate
	return candidate, nil
}

// UpdateCandidate writes the candidate's mutable state.
func (m *MemoryStore) UpdateCandidate(_ context.Context, candidate Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.candidates[candidate.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = candidate.Status
	existing.EscalationReason = candidate.EscalationReason
	existing.ProcessedAt = candidate.ProcessedAt
	existing.PriorityScore = candidate.PriorityScore
	existing.UpdatedAt = time.Now().UTC()
	m.candidates[candidate.ID] = existing
	return nil
}

// GetCandidate loads a candidate by id.
func (m *MemoryStore) GetCandidate(_ context.Context, id int64) (Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidate, ok := m.candidates[id]
	if !ok {
		return Candidate{}, ErrNotFound
	}
	return candidate, nil
}

// CountCandidatesSince counts candidates created for a retailer since a point in time.
func (m *MemoryStore) CountCandidatesSince(_ context.Context, retailer string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.candidates {
		if c.Retailer == retailer && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// ListActiveCandidates lists non-terminal candidates for a retailer product.
func (m *MemoryStore) ListActiveCandidates(_ context.Context, retailer, productID string) ([]Candidate, error) {
	return m.filterCandidates(func(c Candidate) bool {
		return c.Retailer == retailer && c.ProductID == productID && c.Status.Active()
	}, func(a, b Candidate) bool { return a.ID < b.ID }, 0), nil
}

// ListPendingCandidates lists pending candidates by priority then age.
func (m *MemoryStore) ListPendingCandidates(_ context.Context, limit int) ([]Candidate, error) {
	return m.filterCandidates(func(c Candidate) bool {
		return c.Status == CandidatePending
	}, func(a, b Candidate) bool {
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}, limit), nil
}

// ListRecentCandidates lists the most recently created candidates.
func (m *MemoryStore) ListRecentCandidates(_ context.Context, limit int) ([]Candidate, error) {
	return m.filterCandidates(func(Candidate) bool { return true }, func(a, b Candidate) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	}, limit), nil
}

// ResetStaleCandidates returns candidates stuck in a scanning state since before to pending.
func (m *MemoryStore) ResetStaleCandidates(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reset int64
	now := time.Now().UTC()
	for id, c := range m.candidates {
		if c.Status != CandidateScanningDatacenter && c.Status != CandidateScanningResidential {
			continue
		}
		if !c.UpdatedAt.Before(before) {
			continue
		}
		c.Status = CandidatePending
		c.UpdatedAt = now
		m.candidates[id] = c
		reset++
	}
	return reset, nil
}

func (m *MemoryStore) filterCandidates(match func(Candidate) bool, less func(a, b Candidate) bool, limit int) []Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Candidate, 0)
	for _, c := range m.candidates {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AppendEvidence records one scan pass.
func (m *MemoryStore) AppendEvidence(_ context.Context, evidence ScanEvidence) (ScanEvidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evidence.ID = m.id()
	m.evidence[evidence.CandidateID] = append(m.evidence[evidence.CandidateID], evidence)
	return evidence, nil
}

// ListEvidence lists evidence rows for a candidate in insertion order.
func (m *MemoryStore) ListEvidence(_ context.Context, candidateID int64) ([]ScanEvidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.evidence[candidateID]
	out := make([]ScanEvidence, len(rows))
	copy(out, rows)
	return out, nil
}

// ListEnabledRules lists enabled rules by priority desc, id asc.
func (m *MemoryStore) ListEnabledRules(_ context.Context) ([]RuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]RuleRecord, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// EnsureRule inserts a rule unless one with the same name exists.
func (m *MemoryStore) EnsureRule(_ context.Context, rule RuleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if rule.Name != "" && existing.Name == rule.Name {
			return nil
		}
	}
	rule.ID = m.id()
	m.rules[rule.ID] = rule
	return nil
}

// CreateJob records the start of a scan run.
func (m *MemoryStore) CreateJob(_ context.Context, job ScanJob) (ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.ID = m.id()
	m.jobs[job.ID] = job
	return job, nil
}

// UpdateJob writes a job's status and counters.
func (m *MemoryStore) UpdateJob(_ context.Context, job ScanJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = job
	return nil
}

// GetJobByRunID loads the most recent job for a run id.
func (m *MemoryStore) GetJobByRunID(_ context.Context, runID string) (ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found ScanJob
		ok    bool
	)
	for _, job := range m.jobs {
		if job.RunID == runID && (!ok || job.ID > found.ID) {
			found, ok = job, true
		}
	}
	if !ok {
		return ScanJob{}, ErrNotFound
	}
	return found, nil
}

// FailRunningJobs marks running jobs for a run id as failed.
func (m *MemoryStore) FailRunningJobs(_ context.Context, runID, message string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.RunID != runID || job.Status != JobRunning {
			continue
		}
		completed := at
		job.Status = JobFailed
		job.ErrorMessage = message
		job.CompletedAt = &completed
		m.jobs[id] = job
		n++
	}
	return n, nil
}

// UpsertBaseline caches a computed baseline.
func (m *MemoryStore) UpsertBaseline(_ context.Context, b ProductBaseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[b.ProductID] = b
	return nil
}

// GetBaseline loads a cached baseline.
func (m *MemoryStore) GetBaseline(_ context.Context, productID int64) (ProductBaseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[productID]
	if !ok {
		return ProductBaseline{}, ErrNotFound
	}
	return b, nil
}

var _ Repository = (*MemoryStore)(nil)
