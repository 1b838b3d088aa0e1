package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
)

const (
	productColumns = `id, store, sku, COALESCE(category, ''), COALESCE(url, ''), COALESCE(title, ''),
        msrp::text, COALESCE(msrp_source, ''), msrp_verified_at, baseline_price::text, created_at`

	getProductSQL   = `SELECT ` + productColumns + ` FROM products WHERE id = $1;`
	findProductSQL  = `SELECT ` + productColumns + ` FROM products WHERE store = $1 AND sku = $2;`
	listProductsSQL = `SELECT ` + productColumns + ` FROM products ORDER BY id;`

	ensureProductSQL = `INSERT INTO products (store, sku, category, url, title, msrp, msrp_source)
    VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''))
    ON CONFLICT (store, sku) DO UPDATE
    SET category = COALESCE(EXCLUDED.category, products.category),
        url      = COALESCE(EXCLUDED.url, products.url),
        title    = COALESCE(EXCLUDED.title, products.title)
    RETURNING ` + productColumns + `;`

	updateProductBaselineSQL = `UPDATE products SET baseline_price = $2 WHERE id = $1;`
	updateProductMSRPSQL     = `UPDATE products SET msrp = $2, msrp_source = $3, msrp_verified_at = $4 WHERE id = $1;`

	insertObservationSQL = `INSERT INTO price_history (
        product_id, price, original_price, shipping, availability, confidence, fetched_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7)
    RETURNING id;`

	listObservationsSQL = `SELECT id, product_id, price::text, original_price::text, shipping::text,
        availability, confidence, fetched_at
    FROM price_history
    WHERE product_id = $1 AND fetched_at >= $2
    ORDER BY fetched_at DESC, id DESC
    LIMIT $3;`

	listSKUPricesSQL = `SELECT ph.price::text
    FROM price_history ph
    JOIN products p ON p.id = ph.product_id
    WHERE p.sku = $1 AND ph.fetched_at >= $2;`

	listCategoryPricesSQL = `SELECT DISTINCT ON (ph.product_id) ph.price::text
    FROM price_history ph
    JOIN products p ON p.id = ph.product_id
    WHERE p.category = $1 AND ph.fetched_at >= $2
    ORDER BY ph.product_id, ph.fetched_at DESC;`

	listSiblingPricesSQL = `SELECT DISTINCT ON (ph.product_id) ph.price::text
    FROM price_history ph
    JOIN products p ON p.id = ph.product_id
    WHERE p.store = $1 AND (p.sku = $2 OR p.sku LIKE $2 || '-%') AND p.id <> $3
    ORDER BY ph.product_id, ph.fetched_at DESC;`

	insertSignalSQL = `INSERT INTO signals (
        source, retailer, product_id, url, detected_price, detected_at, signal_type, metadata
    ) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
    RETURNING id, created_at;`

	getSignalSQL = `SELECT id, source, retailer, product_id, COALESCE(url, ''), detected_price::text,
        detected_at, signal_type, metadata, created_at
    FROM signals WHERE id = $1;`

	candidateColumns = `id, retailer, product_id, COALESCE(url, ''), source_signal_id, signal_price::text,
        priority_score, status, COALESCE(escalation_reason, ''), created_at, updated_at, processed_at`

	insertCandidateSQL = `INSERT INTO candidates (
        retailer, product_id, url, source_signal_id, signal_price, priority_score, status, created_at, updated_at
    ) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $8)
    RETURNING ` + candidateColumns + `;`

	updateCandidateSQL = `UPDATE candidates
    SET status = $2, escalation_reason = NULLIF($3, ''), processed_at = $4, priority_score = $5, updated_at = now()
    WHERE id = $1;`

	resetStaleCandidatesSQL = `UPDATE candidates
    SET status = 'pending', updated_at = now()
    WHERE status IN ('scanning_datacenter', 'scanning_residential') AND updated_at < $1;`

	countCandidatesSinceSQL = `SELECT COUNT(*) FROM candidates WHERE retailer = $1 AND created_at >= $2;`

	listActiveCandidatesSQL = `SELECT ` + candidateColumns + `
    FROM candidates
    WHERE retailer = $1 AND product_id = $2
      AND status IN ('pending', 'scanning_datacenter', 'scanning_residential');`

	listPendingCandidatesSQL = `SELECT ` + candidateColumns + `
    FROM candidates
    WHERE status = 'pending'
    ORDER BY priority_score DESC, created_at ASC, id ASC
    LIMIT $1;`

	listRecentCandidatesSQL = `SELECT ` + candidateColumns + `
    FROM candidates
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	insertEvidenceSQL = `INSERT INTO scan_evidence (
        candidate_id, scan_pass, proxy_type, price_confirmed, stock_status, observed_price, error, created_at
    ) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
    RETURNING id;`

	listEvidenceSQL = `SELECT id, candidate_id, scan_pass, proxy_type, price_confirmed, COALESCE(stock_status, ''),
        observed_price::text, COALESCE(error, ''), created_at
    FROM scan_evidence
    WHERE candidate_id = $1
    ORDER BY id;`

	listEnabledRulesSQL = `SELECT id, name, rule_type, threshold::text, enabled, priority
    FROM rules
    WHERE enabled
    ORDER BY priority DESC, id ASC;`

	ensureRuleSQL = `INSERT INTO rules (name, rule_type, threshold, enabled, priority)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (name) DO NOTHING;`

	jobColumns = `id, run_id, trigger, status, started_at, completed_at, processed_items,
        success_count, error_count, deals_found, COALESCE(error_message, '')`

	insertJobSQL = `INSERT INTO scan_jobs (run_id, trigger, status, started_at)
    VALUES ($1, $2, $3, $4)
    RETURNING ` + jobColumns + `;`

	updateJobSQL = `UPDATE scan_jobs
    SET status = $2, completed_at = $3, processed_items = $4, success_count = $5,
        error_count = $6, deals_found = $7, error_message = NULLIF($8, '')
    WHERE id = $1;`

	getJobByRunIDSQL = `SELECT ` + jobColumns + `
    FROM scan_jobs
    WHERE run_id = $1
    ORDER BY id DESC
    LIMIT 1;`

	failRunningJobsSQL = `UPDATE scan_jobs
    SET status = 'failed', completed_at = $3, error_message = $2
    WHERE run_id = $1 AND status = 'running';`

	upsertBaselineSQL = `INSERT INTO product_baseline_cache (
        product_id, avg_7d, avg_30d, min_seen, max_seen, std_dev, current_baseline,
        stability, observation_count, last_price, last_calculated
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    ON CONFLICT (product_id) DO UPDATE
    SET avg_7d            = EXCLUDED.avg_7d,
        avg_30d           = EXCLUDED.avg_30d,
        min_seen          = EXCLUDED.min_seen,
        max_seen          = EXCLUDED.max_seen,
        std_dev           = EXCLUDED.std_dev,
        current_baseline  = EXCLUDED.current_baseline,
        stability         = EXCLUDED.stability,
        observation_count = EXCLUDED.observation_count,
        last_price        = EXCLUDED.last_price,
        last_calculated   = EXCLUDED.last_calculated;`

	getBaselineSQL = `SELECT product_id, avg_7d, avg_30d, min_seen, max_seen, std_dev, current_baseline,
        stability, observation_count, last_price, last_calculated
    FROM product_baseline_cache
    WHERE product_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ProductStore manages tracked products.
type ProductStore interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	FindProduct(ctx context.Context, store, sku string) (Product, error)
	EnsureProduct(ctx context.Context, product Product) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	UpdateProductBaseline(ctx context.Context, id int64, baseline decimal.Decimal) error
	UpdateProductMSRP(ctx context.Context, id int64, msrp decimal.Decimal, source string, verifiedAt time.Time) error
}

// PriceHistoryStore manages price observations.
type PriceHistoryStore interface {
	AddObservation(ctx context.Context, obs PriceObservation) (PriceObservation, error)
	// ListObservations returns newest first. A zero since or non-positive limit disables that bound.
	ListObservations(ctx context.Context, productID int64, since time.Time, limit int) ([]PriceObservation, error)
	ListSKUPrices(ctx context.Context, sku string, since time.Time) ([]decimal.Decimal, error)
	ListCategoryPrices(ctx context.Context, category string, since time.Time) ([]decimal.Decimal, error)
	ListSiblingPrices(ctx context.Context, store, baseSKU string, excludeID int64) ([]decimal.Decimal, error)
}

// SignalStore persists ingested signals.
type SignalStore interface {
	InsertSignal(ctx context.Context, signal Signal) (Signal, error)
	GetSignal(ctx context.Context, id int64) (Signal, error)
}

// CandidateStore persists the verification work queue.
type CandidateStore interface {
	InsertCandidate(ctx context.Context, candidate Candidate) (Candidate, error)
	UpdateCandidate(ctx context.Context, candidate Candidate) error
	CountCandidatesSince(ctx context.Context, retailer string, since time.Time) (int, error)
	ListActiveCandidates(ctx context.Context, retailer, productID string) ([]Candidate, error)
	ListPendingCandidates(ctx context.Context, limit int) ([]Candidate, error)
	ListRecentCandidates(ctx context.Context, limit int) ([]Candidate, error)
	ResetStaleCandidates(ctx context.Context, before time.Time) (int64, error)
}

// EvidenceStore is the append-only scan evidence log.
type EvidenceStore interface {
	AppendEvidence(ctx context.Context, evidence ScanEvidence) (ScanEvidence, error)
	ListEvidence(ctx context.Context, candidateID int64) ([]ScanEvidence, error)
}

// RuleStore loads detection rules.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]RuleRecord, error)
	EnsureRule(ctx context.Context, rule RuleRecord) error
}

// JobStore tracks scan runs.
type JobStore interface {
	CreateJob(ctx context.Context, job ScanJob) (ScanJob, error)
	UpdateJob(ctx context.Context, job ScanJob) error
	GetJobByRunID(ctx context.Context, runID string) (ScanJob, error)
	FailRunningJobs(ctx context.Context, runID, message string, at time.Time) (int64, error)
}

// BaselineCacheStore caches derived product baselines.
type BaselineCacheStore interface {
	UpsertBaseline(ctx context.Context, baseline ProductBaseline) error
	GetBaseline(ctx context.Context, productID int64) (ProductBaseline, error)
}

// Repository is the full persistence boundary.
type Repository interface {
	ProductStore
	PriceHistoryStore
	SignalStore
	CandidateStore
	EvidenceStore
	RuleStore
	JobStore
	BaselineCacheStore
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL-backed Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetProduct loads a product by id.
func (s *Store) GetProduct(ctx context.Context, id int64) (Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return Product{}, err
	}
	product, err := scanProduct(pool.QueryRow(ctx, getProductSQL, id))
	if err != nil {
		return Product{}, notFound(err, "get product")
	}
	return product, nil
}

// FindProduct loads a product by its store-scoped SKU.
func (s *Store) FindProduct(ctx context.Context, store, sku string) (Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return Product{}, err
	}
	product, err := scanProduct(pool.QueryRow(ctx, findProductSQL, store, sku))
	if err != nil {
		return Product{}, notFound(err, "find product")
	}
	return product, nil
}

// EnsureProduct inserts the product or refreshes its descriptive fields.
func (s *Store) EnsureProduct(ctx context.Context, product Product) (Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return Product{}, err
	}
	row := pool.QueryRow(ctx, ensureProductSQL,
		product.Store,
		product.SKU,
		product.Category,
		product.URL,
		product.Title,
		nullableDecimal(product.MSRP),
		product.MSRPSource,
	)
	stored, err := scanProduct(row)
	if err != nil {
		return Product{}, fmt.Errorf("ensure product: %w", err)
	}
	return stored, nil
}

// ListProducts returns every tracked product.
func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		product, scanErr := scanProduct(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		products = append(products, product)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return products, nil
}

// UpdateProductBaseline stores the latest computed baseline price.
func (s *Store) UpdateProductBaseline(ctx context.Context, id int64, baseline decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, updateProductBaselineSQL, id, baseline.String()); err != nil {
		return fmt.Errorf("update product baseline: %w", err)
	}
	return nil
}

// UpdateProductMSRP stores a verified MSRP.
func (s *Store) UpdateProductMSRP(ctx context.Context, id int64, msrp decimal.Decimal, source string, verifiedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, updateProductMSRPSQL, id, msrp.String(), source, verifiedAt); err != nil {
		return fmt.Errorf("update product msrp: %w", err)
	}
	return nil
}

// AddObservation appends a price observation.
func (s *Store) AddObservation(ctx context.Context, obs PriceObservation) (PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceObservation{}, err
	}
	if err := pool.QueryRow(ctx, insertObservationSQL,
		obs.ProductID,
		obs.Price.String(),
		nullableDecimal(obs.OriginalPrice),
		obs.Shipping.String(),
		obs.Availability,
		obs.Confidence,
		obs.FetchedAt,
	).Scan(&obs.ID); err != nil {
		return PriceObservation{}, fmt.Errorf("add observation: %w", err)
	}
	return obs, nil
}

// ListObservations lists a product's price history, newest first.
func (s *Store) ListObservations(ctx context.Context, productID int64, since time.Time, limit int) ([]PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := pool.Query(ctx, listObservationsSQL, productID, since, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	observations := make([]PriceObservation, 0)
	for rows.Next() {
		var (
			obs         PriceObservation
			priceStr    string
			originalStr sql.NullString
			shippingStr string
		)
		if err := rows.Scan(
			&obs.ID,
			&obs.ProductID,
			&priceStr,
			&originalStr,
			&shippingStr,
			&obs.Availability,
			&obs.Confidence,
			&obs.FetchedAt,
		); err != nil {
			return nil, err
		}
		if obs.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if obs.Shipping, err = decimal.NewFromString(shippingStr); err != nil {
			return nil, fmt.Errorf("parse shipping: %w", err)
		}
		if obs.OriginalPrice, err = parseNullDecimal(originalStr); err != nil {
			return nil, fmt.Errorf("parse original price: %w", err)
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// ListSKUPrices lists observed prices for a SKU across all stores.
func (s *Store) ListSKUPrices(ctx context.Context, sku string, since time.Time) ([]decimal.Decimal, error) {
	return s.queryPrices(ctx, "list sku prices", listSKUPricesSQL, sku, since)
}

// ListCategoryPrices lists the latest price of every product in a category.
func (s *Store) ListCategoryPrices(ctx context.Context, category string, since time.Time) ([]decimal.Decimal, error) {
	return s.queryPrices(ctx, "list category prices", listCategoryPricesSQL, category, since)
}

// ListSiblingPrices lists the latest price of variants sharing a base SKU.
func (s *Store) ListSiblingPrices(ctx context.Context, store, baseSKU string, excludeID int64) ([]decimal.Decimal, error) {
	return s.queryPrices(ctx, "list sibling prices", listSiblingPricesSQL, store, baseSKU, excludeID)
}

func (s *Store) queryPrices(ctx context.Context, op, query string, args ...any) ([]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	prices := make([]decimal.Decimal, 0)
	for rows.Next() {
		var priceStr string
		if err := rows.Scan(&priceStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("%s: parse price: %w", op, err)
		}
		prices = append(prices, price)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return prices, nil
}

// InsertSignal persists a signal.
func (s *Store) InsertSignal(ctx context.Context, signal Signal) (Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return Signal{}, err
	}
	metadata, err := json.Marshal(signal.Metadata)
	if err != nil {
		return Signal{}, fmt.Errorf("marshal signal metadata: %w", err)
	}
	if err := pool.QueryRow(ctx, insertSignalSQL,
		signal.Source,
		signal.Retailer,
		signal.ProductID,
		signal.URL,
		nullableDecimal(signal.DetectedPrice),
		signal.DetectedAt,
		signal.SignalType,
		metadata,
	).Scan(&signal.ID, &signal.CreatedAt); err != nil {
		return Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	return signal, nil
}

// GetSignal loads a signal by id.
func (s *Store) GetSignal(ctx context.Context, id int64) (Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return Signal{}, err
	}
	var (
		signal   Signal
		priceStr sql.NullString
		metadata []byte
	)
	if err := pool.QueryRow(ctx, getSignalSQL, id).Scan(
		&signal.ID,
		&signal.Source,
		&signal.Retailer,
		&signal.ProductID,
		&signal.URL,
		&priceStr,
		&signal.DetectedAt,
		&signal.SignalType,
		&metadata,
		&signal.CreatedAt,
	); err != nil {
		return Signal{}, notFound(err, "get signal")
	}
	if signal.DetectedPrice, err = parseNullDecimal(priceStr); err != nil {
		return Signal{}, fmt.Errorf("parse detected price: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &signal.Metadata); err != nil {
			return Signal{}, fmt.Errorf("decode signal metadata: %w", err)
		}
	}
	return signal, nil
}

// InsertCandidate persists a new candidate.
func (s *Store) InsertCandidate(ctx context.Context, candidate Candidate) (Candidate, error) {
	pool, err := s.getPool()
	if err != nil {
		return Candidate{}, err
	}
	stored, err := scanCandidate(pool.QueryRow(ctx, insertCandidateSQL,
		candidate.Retailer,
		candidate.ProductID,
		candidate.URL,
		candidate.SourceSignalID,
		nullableDecimal(candidate.SignalPrice),
		candidate.PriorityScore,
		string(candidate.Status),
		candidate.CreatedAt,
	))
	if err != nil {
		return Candidate{}, fmt.Errorf("insert candidate: %w", err)
	}
	return stored, nil
}

// UpdateCandidate writes the candidate's mutable state.
func (s *Store) UpdateCandidate(ctx context.Context, candidate Candidate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, updateCandidateSQL,
		candidate.ID,
		string(candidate.Status),
		candidate.EscalationReason,
		candidate.ProcessedAt,
		candidate.PriorityScore,
	)
	if err != nil {
		return fmt.Errorf("update candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountCandidatesSince counts candidates created for a retailer since a point in time.
func (s *Store) CountCandidatesSince(ctx context.Context, retailer string, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, countCandidatesSinceSQL, retailer, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count candidates: %w", err)
	}
	return count, nil
}

// ListActiveCandidates lists non-terminal candidates for a retailer product.
func (s *Store) ListActiveCandidates(ctx context.Context, retailer, productID string) ([]Candidate, error) {
	return s.queryCandidates(ctx, "list active candidates", listActiveCandidatesSQL, retailer, productID)
}

// ListPendingCandidates lists pending candidates by priority then age.
func (s *Store) ListPendingCandidates(ctx context.Context, limit int) ([]Candidate, error) {
	return s.queryCandidates(ctx, "list pending candidates", listPendingCandidatesSQL, limit)
}

// ListRecentCandidates lists the most recently created candidates.
func (s *Store) ListRecentCandidates(ctx context.Context, limit int) ([]Candidate, error) {
	return s.queryCandidates(ctx, "list recent candidates", listRecentCandidatesSQL, limit)
}

// ResetStaleCandidates returns candidates stuck in a scanning state since before to pending.
func (s *Store) ResetStaleCandidates(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, resetStaleCandidatesSQL, before)
	if err != nil {
		return 0, fmt.Errorf("reset stale candidates: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryCandidates(ctx context.Context, op, query string, args ...any) ([]Candidate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0)
	for rows.Next() {
		candidate, scanErr := scanCandidate(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		candidates = append(candidates, candidate)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return candidates, nil
}

// AppendEvidence records one scan pass.
func (s *Store) AppendEvidence(ctx context.Context, evidence ScanEvidence) (ScanEvidence, error) {
	pool, err := s.getPool()
	if err != nil {
		return ScanEvidence{}, err
	}
	if err := pool.QueryRow(ctx, insertEvidenceSQL,
		evidence.CandidateID,
		evidence.ScanPass,
		evidence.ProxyType,
		evidence.PriceConfirmed,
		evidence.StockStatus,
		nullableDecimal(evidence.ObservedPrice),
		evidence.Error,
		evidence.Timestamp,
	).Scan(&evidence.ID); err != nil {
		return ScanEvidence{}, fmt.Errorf("append evidence: %w", err)
	}
	return evidence, nil
}

// ListEvidence lists evidence rows for a candidate in insertion order.
func (s *Store) ListEvidence(ctx context.Context, candidateID int64) ([]ScanEvidence, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listEvidenceSQL, candidateID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	evidence := make([]ScanEvidence, 0, 2)
	for rows.Next() {
		var (
			rec      ScanEvidence
			priceStr sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.CandidateID,
			&rec.ScanPass,
			&rec.ProxyType,
			&rec.PriceConfirmed,
			&rec.StockStatus,
			&priceStr,
			&rec.Error,
			&rec.Timestamp,
		); err != nil {
			return nil, err
		}
		if rec.ObservedPrice, err = parseNullDecimal(priceStr); err != nil {
			return nil, fmt.Errorf("parse observed price: %w", err)
		}
		evidence = append(evidence, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return evidence, nil
}

// ListEnabledRules lists enabled rules by priority desc, id asc.
func (s *Store) ListEnabledRules(ctx context.Context) ([]RuleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listEnabledRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]RuleRecord, 0)
	for rows.Next() {
		var (
			rule         RuleRecord
			thresholdStr string
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.RuleType, &thresholdStr, &rule.Enabled, &rule.Priority); err != nil {
			return nil, err
		}
		if rule.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
			return nil, fmt.Errorf("parse rule threshold: %w", err)
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// EnsureRule inserts a rule unless one with the same name exists.
func (s *Store) EnsureRule(ctx context.Context, rule RuleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ensureRuleSQL, rule.Name, rule.RuleType, rule.Threshold.String(), rule.Enabled, rule.Priority); err != nil {
		return fmt.Errorf("ensure rule: %w", err)
	}
	return nil
}

// CreateJob records the start of a scan run.
func (s *Store) CreateJob(ctx context.Context, job ScanJob) (ScanJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return ScanJob{}, err
	}
	stored, err := scanJob(pool.QueryRow(ctx, insertJobSQL, job.RunID, job.Trigger, job.Status, job.StartedAt))
	if err != nil {
		return ScanJob{}, fmt.Errorf("create job: %w", err)
	}
	return stored, nil
}

// UpdateJob writes a job's status and counters.
func (s *Store) UpdateJob(ctx context.Context, job ScanJob) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, updateJobSQL,
		job.ID,
		job.Status,
		job.CompletedAt,
		job.ProcessedItems,
		job.SuccessCount,
		job.ErrorCount,
		job.DealsFound,
		job.ErrorMessage,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// GetJobByRunID loads the most recent job for a run id.
func (s *Store) GetJobByRunID(ctx context.Context, runID string) (ScanJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return ScanJob{}, err
	}
	job, err := scanJob(pool.QueryRow(ctx, getJobByRunIDSQL, runID))
	if err != nil {
		return ScanJob{}, notFound(err, "get job")
	}
	return job, nil
}

// FailRunningJobs marks running jobs for a run id as failed.
func (s *Store) FailRunningJobs(ctx context.Context, runID, message string, at time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, failRunningJobsSQL, runID, message, at)
	if err != nil {
		return 0, fmt.Errorf("fail running jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertBaseline caches a computed baseline.
func (s *Store) UpsertBaseline(ctx context.Context, b ProductBaseline) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertBaselineSQL,
		b.ProductID,
		b.Avg7d,
		b.Avg30d,
		b.MinSeen,
		b.MaxSeen,
		b.StdDev,
		b.CurrentBaseline,
		b.Stability,
		b.ObservationCount,
		b.LastPrice,
		b.LastCalculated,
	); err != nil {
		return fmt.Errorf("upsert baseline: %w", err)
	}
	return nil
}

// GetBaseline loads a cached baseline.
func (s *Store) GetBaseline(ctx context.Context, productID int64) (ProductBaseline, error) {
	pool, err := s.getPool()
	if err != nil {
		return ProductBaseline{}, err
	}
	var b ProductBaseline
	if err := pool.QueryRow(ctx, getBaselineSQL, productID).Scan(
		&b.ProductID,
		&b.Avg7d,
		&b.Avg30d,
		&b.MinSeen,
		&b.MaxSeen,
		&b.StdDev,
		&b.CurrentBaseline,
		&b.Stability,
		&b.ObservationCount,
		&b.LastPrice,
		&b.LastCalculated,
	); err != nil {
		return ProductBaseline{}, notFound(err, "get baseline")
	}
	return b, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		product     Product
		msrpStr     sql.NullString
		baselineStr sql.NullString
		verifiedAt  sql.NullTime
	)
	if err := row.Scan(
		&product.ID,
		&product.Store,
		&product.SKU,
		&product.Category,
		&product.URL,
		&product.Title,
		&msrpStr,
		&product.MSRPSource,
		&verifiedAt,
		&baselineStr,
		&product.CreatedAt,
	); err != nil {
		return Product{}, err
	}

	var err error
	if product.MSRP, err = parseNullDecimal(msrpStr); err != nil {
		return Product{}, fmt.Errorf("parse msrp: %w", err)
	}
	if product.BaselinePrice, err = parseNullDecimal(baselineStr); err != nil {
		return Product{}, fmt.Errorf("parse baseline price: %w", err)
	}
	if verifiedAt.Valid {
		at := verifiedAt.Time
		product.MSRPVerifiedAt = &at
	}
	return product, nil
}

func scanCandidate(row pgx.Row) (Candidate, error) {
	var (
		candidate   Candidate
		priceStr    sql.NullString
		status      string
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&candidate.ID,
		&candidate.Retailer,
		&candidate.ProductID,
		&candidate.URL,
		&candidate.SourceSignalID,
		&priceStr,
		&candidate.PriorityScore,
		&status,
		&candidate.EscalationReason,
		&candidate.CreatedAt,
		&candidate.UpdatedAt,
		&processedAt,
	); err != nil {
		return Candidate{}, err
	}

	var err error
	if candidate.SignalPrice, err = parseNullDecimal(priceStr); err != nil {
		return Candidate{}, fmt.Errorf("parse signal price: %w", err)
	}
	candidate.Status = CandidateStatus(status)
	if processedAt.Valid {
		at := processedAt.Time
		candidate.ProcessedAt = &at
	}
	return candidate, nil
}

func scanJob(row pgx.Row) (ScanJob, error) {
	var (
		job         ScanJob
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.RunID,
		&job.Trigger,
		&job.Status,
		&job.StartedAt,
		&completedAt,
		&job.ProcessedItems,
		&job.SuccessCount,
		&job.ErrorCount,
		&job.DealsFound,
		&job.ErrorMessage,
	); err != nil {
		return ScanJob{}, err
	}
	if completedAt.Valid {
		at := completedAt.Time
		job.CompletedAt = &at
	}
	return job, nil
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
