// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"openguard/platform/shared/types"
)

// CustomTagStart is the first tag number available to tenant-custom
// scanners. S1..S99 are reserved for built-in packages.
const CustomTagStart = 100

// ErrScannerNotFound is returned when a scanner lookup misses.
var ErrScannerNotFound = errors.New("scanner not found")

// ErrPackageNotFound is returned when a package lookup misses.
var ErrPackageNotFound = errors.New("scanner package not found")

// ErrPurchaseExists is returned when a tenant re-purchases a package.
var ErrPurchaseExists = errors.New("package already purchased")

// ScannerRepository provides scanner packages, scanners, per-application
// overrides, custom scanners, and package purchases.
type ScannerRepository struct {
	db *sql.DB
}

const scannerColumns = `id, package_id, tag, name, description, type, definition, risk_level, scan_prompt, scan_response, active, created_at, updated_at`

func scanScanner(row interface{ Scan(...interface{}) error }) (*Scanner, error) {
	s := &Scanner{}
	var pkgID, desc sql.NullString
	err := row.Scan(&s.ID, &pkgID, &s.Tag, &s.Name, &desc, &s.Type, &s.Definition,
		&s.RiskLevel, &s.ScanPrompt, &s.ScanResponse, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if pkgID.Valid {
		s.PackageID = &pkgID.String
	}
	s.Description = desc.String
	return s, nil
}

// GetByID fetches a scanner by ID.
func (r *ScannerRepository) GetByID(ctx context.Context, id string) (*Scanner, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scannerColumns+` FROM scanners WHERE id = $1`, id)
	s, err := scanScanner(row)
	if err == sql.ErrNoRows {
		return nil, ErrScannerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scanner: %w", err)
	}
	return s, nil
}

// GetByTag fetches an active scanner by its tag.
func (r *ScannerRepository) GetByTag(ctx context.Context, tag string) (*Scanner, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scannerColumns+` FROM scanners WHERE tag = $1 AND active = true`, tag)
	s, err := scanScanner(row)
	if err == sql.ErrNoRows {
		return nil, ErrScannerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scanner: %w", err)
	}
	return s, nil
}

func (r *ScannerRepository) queryScanners(ctx context.Context, query string, args ...interface{}) ([]Scanner, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scanners: %w", err)
	}
	defer rows.Close()

	var out []Scanner
	for rows.Next() {
		s, err := scanScanner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scanner row: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListByPackage returns the active scanners of one package.
func (r *ScannerRepository) ListByPackage(ctx context.Context, packageID string) ([]Scanner, error) {
	return r.queryScanners(ctx, `
		SELECT `+scannerColumns+` FROM scanners
		WHERE package_id = $1 AND active = true ORDER BY tag
	`, packageID)
}

// EffectiveSet returns the scanners visible to a tenant: every scanner from
// built-in packages, every scanner from packages the tenant has an approved
// purchase for, and — when applicationID is non-empty — the application's own
// custom scanners. Super-admins see every packaged scanner without a purchase.
func (r *ScannerRepository) EffectiveSet(ctx context.Context, tenantID, applicationID string, superAdmin bool) ([]Scanner, error) {
	query := `
		SELECT ` + scannerColumns + ` FROM scanners s
		WHERE s.active = true AND (
			s.package_id IN (SELECT id FROM scanner_packages WHERE type = 'builtin')
			OR s.package_id IN (
				SELECT package_id FROM package_purchases
				WHERE tenant_id = $1 AND status = 'approved')
			OR ($2 AND s.package_id IS NOT NULL)`
	args := []interface{}{tenantID, superAdmin}
	if applicationID != "" {
		query += `
			OR s.id IN (SELECT scanner_id FROM custom_scanners WHERE application_id = $3)`
		args = append(args, applicationID)
	}
	query += `
		) ORDER BY s.tag`
	return r.queryScanners(ctx, query, args...)
}

// NextCustomTag allocates the next free S<n> tag at or above CustomTagStart.
func (r *ScannerRepository) NextCustomTag(ctx context.Context) (string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tag FROM scanners WHERE tag ~ '^S[0-9]+$'`)
	if err != nil {
		return "", fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tagRe := regexp.MustCompile(`^S([0-9]+)$`)
	max := CustomTagStart - 1
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return "", fmt.Errorf("failed to scan tag: %w", err)
		}
		m := tagRe.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return "S" + strconv.Itoa(max+1), nil
}

// CreateCustom inserts a scanner owned by one application and links it via
// custom_scanners. The tag must come from NextCustomTag.
func (r *ScannerRepository) CreateCustom(ctx context.Context, applicationID string, s *Scanner) error {
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.Active = true
	s.CreatedAt = now
	s.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scanners (id, package_id, tag, name, description, type, definition, risk_level, scan_prompt, scan_response, active, created_at, updated_at)
		VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $10)
	`, s.ID, s.Tag, s.Name, s.Description, s.Type, s.Definition, s.RiskLevel, s.ScanPrompt, s.ScanResponse, now)
	if err != nil {
		return fmt.Errorf("failed to insert scanner: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO custom_scanners (id, application_id, scanner_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New().String(), applicationID, s.ID, now)
	if err != nil {
		return fmt.Errorf("failed to link custom scanner: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO application_scanner_configs (id, application_id, scanner_id, is_enabled)
		VALUES ($1, $2, $3, true)
	`, uuid.New().String(), applicationID, s.ID)
	if err != nil {
		return fmt.Errorf("failed to seed scanner config: %w", err)
	}

	return tx.Commit()
}

// Update rewrites a scanner's mutable fields.
func (r *ScannerRepository) Update(ctx context.Context, s *Scanner) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scanners
		SET name = $2, description = $3, type = $4, definition = $5,
		    risk_level = $6, scan_prompt = $7, scan_response = $8, updated_at = now()
		WHERE id = $1 AND active = true
	`, s.ID, s.Name, s.Description, s.Type, s.Definition, s.RiskLevel, s.ScanPrompt, s.ScanResponse)
	if err != nil {
		return fmt.Errorf("failed to update scanner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScannerNotFound
	}
	return nil
}

// SoftDelete deactivates a custom scanner and frees its tag by renaming it to
// <tag>_deleted_<unix_ts>. The override rows, knowledge bases, and response
// templates keyed by the old tag go with it; they would be unreachable after
// the rename. Past detection results keep the original tag in their category
// lists.
func (r *ScannerRepository) SoftDelete(ctx context.Context, id string) error {
	ts := time.Now().Unix()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// the tag must be captured before the rename frees it
	var tag string
	err = tx.QueryRowContext(ctx, `SELECT tag FROM scanners WHERE id = $1 AND active = true`, id).Scan(&tag)
	if err == sql.ErrNoRows {
		return ErrScannerNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query scanner tag: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE scanners
		SET active = false, tag = tag || '_deleted_' || $2, updated_at = now()
		WHERE id = $1 AND active = true
	`, id, strconv.FormatInt(ts, 10))
	if err != nil {
		return fmt.Errorf("failed to soft-delete scanner: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM application_scanner_configs WHERE scanner_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to drop scanner configs: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE scanner_tag = $1`, tag)
	if err != nil {
		return fmt.Errorf("failed to drop scanner knowledge bases: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM response_templates WHERE scanner_type = $1 AND scanner_identifier = $2
	`, TemplateForScanner, tag)
	if err != nil {
		return fmt.Errorf("failed to drop scanner templates: %w", err)
	}

	return tx.Commit()
}

// --- per-application overrides ---

// GetConfigs returns the application's scanner override rows keyed by
// scanner ID.
func (r *ScannerRepository) GetConfigs(ctx context.Context, applicationID string) (map[string]ApplicationScannerConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, application_id, scanner_id, is_enabled, risk_level, scan_prompt, scan_response
		FROM application_scanner_configs WHERE application_id = $1
	`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scanner configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ApplicationScannerConfig)
	for rows.Next() {
		var c ApplicationScannerConfig
		var risk sql.NullString
		var prompt, response sql.NullBool
		if err := rows.Scan(&c.ID, &c.ApplicationID, &c.ScannerID, &c.IsEnabled, &risk, &prompt, &response); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		if risk.Valid {
			rl := types.RiskLevel(risk.String)
			c.RiskLevel = &rl
		}
		if prompt.Valid {
			c.ScanPrompt = &prompt.Bool
		}
		if response.Valid {
			c.ScanResponse = &response.Bool
		}
		out[c.ScannerID] = c
	}
	return out, rows.Err()
}

// UpsertConfig writes a per-application override for one scanner.
func (r *ScannerRepository) UpsertConfig(ctx context.Context, c *ApplicationScannerConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var risk, prompt, response interface{}
	if c.RiskLevel != nil {
		risk = string(*c.RiskLevel)
	}
	if c.ScanPrompt != nil {
		prompt = *c.ScanPrompt
	}
	if c.ScanResponse != nil {
		response = *c.ScanResponse
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO application_scanner_configs (id, application_id, scanner_id, is_enabled, risk_level, scan_prompt, scan_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (application_id, scanner_id) DO UPDATE
		SET is_enabled = EXCLUDED.is_enabled,
		    risk_level = EXCLUDED.risk_level,
		    scan_prompt = EXCLUDED.scan_prompt,
		    scan_response = EXCLUDED.scan_response
	`, c.ID, c.ApplicationID, c.ScannerID, c.IsEnabled, risk, prompt, response)
	if err != nil {
		return fmt.Errorf("failed to upsert scanner config: %w", err)
	}
	return nil
}

// --- packages ---

// ListPackages returns all scanner packages.
func (r *ScannerRepository) ListPackages(ctx context.Context) ([]ScannerPackage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, name, type, author, version, license, description, created_at
		FROM scanner_packages ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var out []ScannerPackage
	for rows.Next() {
		var p ScannerPackage
		var author, version, license, desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Type, &author, &version, &license, &desc, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan package row: %w", err)
		}
		p.Author, p.Version, p.License, p.Description = author.String, version.String, license.String, desc.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPackageByCode fetches a package by its stable code.
func (r *ScannerRepository) GetPackageByCode(ctx context.Context, code string) (*ScannerPackage, error) {
	p := &ScannerPackage{}
	var author, version, license, desc sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, code, name, type, author, version, license, description, created_at
		FROM scanner_packages WHERE code = $1
	`, code).Scan(&p.ID, &p.Code, &p.Name, &p.Type, &author, &version, &license, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query package: %w", err)
	}
	p.Author, p.Version, p.License, p.Description = author.String, version.String, license.String, desc.String
	return p, nil
}

// UpsertPackage creates or refreshes a package by code and reconciles its
// scanners by tag. Used at admin boot to load the built-in definitions, and
// by the marketplace importer for purchasable packages. Existing scanners are
// updated in place so per-application configs keep pointing at the same IDs.
func (r *ScannerRepository) UpsertPackage(ctx context.Context, pkg *ScannerPackage, scanners []Scanner) error {
	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if pkg.ID == "" {
		pkg.ID = uuid.New().String()
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO scanner_packages (id, code, name, type, author, version, license, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name, version = EXCLUDED.version, description = EXCLUDED.description
		RETURNING id
	`, pkg.ID, pkg.Code, pkg.Name, pkg.Type, pkg.Author, pkg.Version, pkg.License, pkg.Description, now).Scan(&pkg.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert package %s: %w", pkg.Code, err)
	}

	for i := range scanners {
		s := &scanners[i]
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scanners (id, package_id, tag, name, description, type, definition, risk_level, scan_prompt, scan_response, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true, $11, $11)
			ON CONFLICT (tag) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description,
			    type = EXCLUDED.type, definition = EXCLUDED.definition,
			    risk_level = EXCLUDED.risk_level,
			    scan_prompt = EXCLUDED.scan_prompt, scan_response = EXCLUDED.scan_response,
			    active = true, updated_at = now()
		`, s.ID, pkg.ID, s.Tag, s.Name, s.Description, s.Type, s.Definition,
			s.RiskLevel, s.ScanPrompt, s.ScanResponse, now)
		if err != nil {
			return fmt.Errorf("failed to upsert scanner %s: %w", s.Tag, err)
		}
	}

	return tx.Commit()
}

// --- purchases ---

// Purchase records a pending purchase of a purchasable package.
func (r *ScannerRepository) Purchase(ctx context.Context, tenantID, packageID string) (*PackagePurchase, error) {
	now := time.Now().UTC()
	p := &PackagePurchase{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		PackageID: packageID,
		Status:    PurchasePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO package_purchases (id, tenant_id, package_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, p.ID, p.TenantID, p.PackageID, p.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrPurchaseExists
		}
		return nil, fmt.Errorf("failed to insert purchase: %w", err)
	}
	return p, nil
}

// SetPurchaseStatus moves a purchase through review.
func (r *ScannerRepository) SetPurchaseStatus(ctx context.Context, purchaseID string, status PurchaseStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE package_purchases SET status = $2, updated_at = now() WHERE id = $1
	`, purchaseID, status)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPackageNotFound
	}
	return nil
}

// ListPurchases returns a tenant's purchases, newest first.
func (r *ScannerRepository) ListPurchases(ctx context.Context, tenantID string) ([]PackagePurchase, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, package_id, status, created_at, updated_at
		FROM package_purchases WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var out []PackagePurchase
	for rows.Next() {
		var p PackagePurchase
		if err := rows.Scan(&p.ID, &p.TenantID, &p.PackageID, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
