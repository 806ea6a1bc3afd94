// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"time"

	"openguard/platform/shared/types"
)

// Tenant is the account boundary. A tenant owns applications, one
// subscription, policies, and API keys.
type Tenant struct {
	ID            string    `json:"id" db:"id"`
	Email         string    `json:"email" db:"email"`
	PasswordHash  string    `json:"-" db:"password_hash"`
	Active        bool      `json:"active" db:"active"`
	Verified      bool      `json:"verified" db:"verified"`
	IsSuperAdmin  bool      `json:"is_super_admin" db:"is_super_admin"`
	APIKey        string    `json:"api_key" db:"api_key"`
	ModelAPIKey   string    `json:"model_api_key,omitempty" db:"model_api_key"`
	RateLimitRPS  int       `json:"rate_limit_rps" db:"rate_limit_rps"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Application is the unit of configuration and isolation for detection.
// All policy, scanners, lists, templates, knowledge bases, and detection
// logs are keyed by application ID, not tenant ID.
type Application struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	Name       string    `json:"name" db:"name"`
	APIKey     string    `json:"api_key" db:"api_key"`
	ExternalID string    `json:"external_id,omitempty" db:"external_id"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// SubscriptionType distinguishes free accounts from paying ones.
type SubscriptionType string

const (
	SubscriptionFree       SubscriptionType = "free"
	SubscriptionSubscribed SubscriptionType = "subscribed"
)

// TenantSubscription tracks the monthly request quota. Unique per tenant.
type TenantSubscription struct {
	ID                string           `json:"id" db:"id"`
	TenantID          string           `json:"tenant_id" db:"tenant_id"`
	Type              SubscriptionType `json:"type" db:"type"`
	MonthlyQuota      int64            `json:"monthly_quota" db:"monthly_quota"`
	CurrentMonthUsage int64            `json:"current_month_usage" db:"current_month_usage"`
	UsageResetAt      time.Time        `json:"usage_reset_at" db:"usage_reset_at"`
}

// PackageType classifies scanner packages.
type PackageType string

const (
	PackageBuiltin     PackageType = "builtin"
	PackagePurchasable PackageType = "purchasable"
	PackageCustom      PackageType = "custom"
)

// ScannerPackage is a named bundle of scanners.
type ScannerPackage struct {
	ID          string      `json:"id" db:"id"`
	Code        string      `json:"code" db:"code"`
	Name        string      `json:"name" db:"name"`
	Type        PackageType `json:"type" db:"type"`
	Author      string      `json:"author,omitempty" db:"author"`
	Version     string      `json:"version,omitempty" db:"version"`
	License     string      `json:"license,omitempty" db:"license"`
	Description string      `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Scanner is a single detector. Tags S1..S21 are reserved for built-ins,
// S100+ for tenant-custom scanners. Soft deletion renames the tag to
// <tag>_deleted_<unix_ts> to preserve the unique index.
type Scanner struct {
	ID           string            `json:"id" db:"id"`
	PackageID    *string           `json:"package_id,omitempty" db:"package_id"`
	Tag          string            `json:"tag" db:"tag"`
	Name         string            `json:"name" db:"name"`
	Description  string            `json:"description,omitempty" db:"description"`
	Type         types.ScannerType `json:"type" db:"type"`
	Definition   string            `json:"definition" db:"definition"`
	RiskLevel    types.RiskLevel   `json:"risk_level" db:"risk_level"`
	ScanPrompt   bool              `json:"scan_prompt" db:"scan_prompt"`
	ScanResponse bool              `json:"scan_response" db:"scan_response"`
	Active       bool              `json:"active" db:"active"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// ApplicationScannerConfig is the per-(application, scanner) override row.
// Nil override fields mean "use the scanner default".
type ApplicationScannerConfig struct {
	ID            string           `json:"id" db:"id"`
	ApplicationID string           `json:"application_id" db:"application_id"`
	ScannerID     string           `json:"scanner_id" db:"scanner_id"`
	IsEnabled     bool             `json:"is_enabled" db:"is_enabled"`
	RiskLevel     *types.RiskLevel `json:"risk_level,omitempty" db:"risk_level"`
	ScanPrompt    *bool            `json:"scan_prompt,omitempty" db:"scan_prompt"`
	ScanResponse  *bool            `json:"scan_response,omitempty" db:"scan_response"`
}

// CustomScanner joins an application to a scanner it privately owns.
type CustomScanner struct {
	ID            string    `json:"id" db:"id"`
	ApplicationID string    `json:"application_id" db:"application_id"`
	ScannerID     string    `json:"scanner_id" db:"scanner_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// PurchaseStatus tracks a premium package purchase through review.
type PurchaseStatus string

const (
	PurchasePending  PurchaseStatus = "pending"
	PurchaseApproved PurchaseStatus = "approved"
	PurchaseRejected PurchaseStatus = "rejected"
)

// PackagePurchase records a tenant's purchase of a premium package. Only
// approved rows grant access; super-admins bypass purchases entirely.
type PackagePurchase struct {
	ID        string         `json:"id" db:"id"`
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	PackageID string         `json:"package_id" db:"package_id"`
	Status    PurchaseStatus `json:"status" db:"status"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// KeywordList is a named per-application blacklist or whitelist of
// case-insensitive keywords.
type KeywordList struct {
	ID            string    `json:"id" db:"id"`
	ApplicationID string    `json:"application_id" db:"application_id"`
	Name          string    `json:"name" db:"name"`
	Keywords      []string  `json:"keywords"`
	IsWhitelist   bool      `json:"is_whitelist" db:"is_whitelist"`
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// KnowledgeBase is a per-application Q&A corpus tied to a scanner tag or a
// list name. The vector index lives in a sidecar file under the data dir.
type KnowledgeBase struct {
	ID                  string    `json:"id" db:"id"`
	ApplicationID       string    `json:"application_id" db:"application_id"`
	Name                string    `json:"name" db:"name"`
	ScannerTag          string    `json:"scanner_tag" db:"scanner_tag"`
	VectorFilePath      string    `json:"vector_file_path" db:"vector_file_path"`
	TotalPairs          int       `json:"total_pairs" db:"total_pairs"`
	SimilarityThreshold float64   `json:"similarity_threshold" db:"similarity_threshold"`
	IsGlobal            bool      `json:"is_global" db:"is_global"`
	Active              bool      `json:"active" db:"active"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// ResponseTemplate is the canned answer for one (application, scanner-type,
// scanner-identifier) triple. Content maps language code to text.
type ResponseTemplate struct {
	ID                string            `json:"id" db:"id"`
	ApplicationID     string            `json:"application_id" db:"application_id"`
	ScannerType       string            `json:"scanner_type" db:"scanner_type"`
	ScannerIdentifier string            `json:"scanner_identifier" db:"scanner_identifier"`
	Content           map[string]string `json:"content"`
	IsDefault         bool              `json:"is_default" db:"is_default"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// RiskTypeConfig carries the legacy per-category booleans plus the GenAI
// sensitivity thresholds. Thresholds are ordered high < medium < low: a
// smaller score means higher risk.
type RiskTypeConfig struct {
	ID                      string          `json:"id" db:"id"`
	ApplicationID           string          `json:"application_id" db:"application_id"`
	EnabledCategories       map[string]bool `json:"enabled_categories"`
	LowThreshold            float64         `json:"low_threshold" db:"low_threshold"`
	MediumThreshold         float64         `json:"medium_threshold" db:"medium_threshold"`
	HighThreshold           float64         `json:"high_threshold" db:"high_threshold"`
	SensitivityTriggerLevel string          `json:"sensitivity_trigger_level" db:"sensitivity_trigger_level"`
	UpdatedAt               time.Time       `json:"updated_at" db:"updated_at"`
}

// DataLeakagePolicy is the disposal-action matrix for data-leakage risks.
// Tenant rows hold defaults; application rows hold nullable overrides.
type DataLeakagePolicy struct {
	ID            string  `json:"id" db:"id"`
	TenantID      string  `json:"tenant_id" db:"tenant_id"`
	ApplicationID *string `json:"application_id,omitempty" db:"application_id"`

	InputHighAction    *types.DisposalAction `json:"input_high_risk_action,omitempty" db:"input_high_risk_action"`
	InputMediumAction  *types.DisposalAction `json:"input_medium_risk_action,omitempty" db:"input_medium_risk_action"`
	InputLowAction     *types.DisposalAction `json:"input_low_risk_action,omitempty" db:"input_low_risk_action"`
	OutputHighAction   *types.DisposalAction `json:"output_high_risk_action,omitempty" db:"output_high_risk_action"`
	OutputMediumAction *types.DisposalAction `json:"output_medium_risk_action,omitempty" db:"output_medium_risk_action"`
	OutputLowAction    *types.DisposalAction `json:"output_low_risk_action,omitempty" db:"output_low_risk_action"`

	PrivateModelID *string   `json:"private_model_id,omitempty" db:"private_model_id"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// GatewayPolicy is the parallel matrix for security and compliance risks
// with actions in {block, replace, pass}.
type GatewayPolicy struct {
	ID            string  `json:"id" db:"id"`
	TenantID      string  `json:"tenant_id" db:"tenant_id"`
	ApplicationID *string `json:"application_id,omitempty" db:"application_id"`

	InputHighAction    *types.DisposalAction `json:"input_high_risk_action,omitempty" db:"input_high_risk_action"`
	InputMediumAction  *types.DisposalAction `json:"input_medium_risk_action,omitempty" db:"input_medium_risk_action"`
	InputLowAction     *types.DisposalAction `json:"input_low_risk_action,omitempty" db:"input_low_risk_action"`
	OutputHighAction   *types.DisposalAction `json:"output_high_risk_action,omitempty" db:"output_high_risk_action"`
	OutputMediumAction *types.DisposalAction `json:"output_medium_risk_action,omitempty" db:"output_medium_risk_action"`
	OutputLowAction    *types.DisposalAction `json:"output_low_risk_action,omitempty" db:"output_low_risk_action"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UpstreamAPIConfig is an outbound model endpoint. API keys are encrypted at
// rest with the per-deployment key under the data directory.
type UpstreamAPIConfig struct {
	ID                    string    `json:"id" db:"id"`
	TenantID              string    `json:"tenant_id" db:"tenant_id"`
	ConfigName            string    `json:"config_name" db:"config_name"`
	Provider              string    `json:"provider" db:"provider"`
	BaseURL               string    `json:"base_url" db:"base_url"`
	APIKeyEncrypted       string    `json:"-" db:"api_key_encrypted"`
	IsDataSafe            bool      `json:"is_data_safe" db:"is_data_safe"`
	IsDefaultPrivateModel bool      `json:"is_default_private_model" db:"is_default_private_model"`
	PrivateModelNames     []string  `json:"private_model_names"`
	BlockOnInputRisk      bool      `json:"block_on_input_risk" db:"block_on_input_risk"`
	BlockOnOutputRisk     bool      `json:"block_on_output_risk" db:"block_on_output_risk"`
	IsDefault             bool      `json:"is_default" db:"is_default"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// RouteMatchType selects how a model route pattern is compared.
type RouteMatchType string

const (
	MatchExact  RouteMatchType = "exact"
	MatchPrefix RouteMatchType = "prefix"
)

// ModelRoute maps a requested model name to an upstream config. Higher
// priority wins; at equal priority exact beats prefix; application-specific
// routes beat global ones.
type ModelRoute struct {
	ID                  string         `json:"id" db:"id"`
	TenantID            string         `json:"tenant_id" db:"tenant_id"`
	ModelPattern        string         `json:"model_pattern" db:"model_pattern"`
	MatchType           RouteMatchType `json:"match_type" db:"match_type"`
	Priority            int            `json:"priority" db:"priority"`
	UpstreamAPIConfigID string         `json:"upstream_api_config_id" db:"upstream_api_config_id"`
	ApplicationIDs      []string       `json:"application_ids,omitempty"`
	Active              bool           `json:"active" db:"active"`
}

// DetectionResult is the immutable request log row.
type DetectionResult struct {
	ID            string `json:"id,omitempty" db:"id"`
	RequestID     string `json:"request_id" db:"request_id"`
	ApplicationID string `json:"application_id" db:"application_id"`
	TenantID      string `json:"tenant_id" db:"tenant_id"`
	Content       string `json:"content" db:"content"`

	SecurityRiskLevel    types.RiskLevel `json:"security_risk_level" db:"security_risk_level"`
	SecurityCategories   []string        `json:"security_categories"`
	ComplianceRiskLevel  types.RiskLevel `json:"compliance_risk_level" db:"compliance_risk_level"`
	ComplianceCategories []string        `json:"compliance_categories"`
	DataRiskLevel        types.RiskLevel `json:"data_risk_level" db:"data_risk_level"`
	DataCategories       []string        `json:"data_categories"`

	SuggestAction types.SuggestAction `json:"suggest_action" db:"suggest_action"`
	SuggestAnswer string              `json:"suggest_answer,omitempty" db:"suggest_answer"`
	ModelResponse string              `json:"model_response,omitempty" db:"model_response"`
	Score         *float64            `json:"score,omitempty" db:"score"`
	ImagePaths    []string            `json:"image_paths,omitempty"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// AppealStatus tracks an appeal through AI and human review.
type AppealStatus string

const (
	AppealPending    AppealStatus = "pending"
	AppealAIReviewed AppealStatus = "ai_reviewed"
	AppealUpheld     AppealStatus = "upheld"
	AppealOverturned AppealStatus = "overturned"
)

// AppealRecord is a public appeal against a blocked request.
type AppealRecord struct {
	ID         string       `json:"id" db:"id"`
	RequestID  string       `json:"request_id" db:"request_id"`
	Status     AppealStatus `json:"status" db:"status"`
	AIVerdict  string       `json:"ai_verdict,omitempty" db:"ai_verdict"`
	ReviewedBy string       `json:"reviewed_by,omitempty" db:"reviewed_by"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// ModelUsage is the daily per-(tenant, model) token aggregate for
// direct-model billing. Never stores content.
type ModelUsage struct {
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Model        string    `json:"model" db:"model"`
	Date         time.Time `json:"date" db:"date"`
	Requests     int64     `json:"requests" db:"requests"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens" db:"total_tokens"`
}

// marshalJSONB renders a value for a jsonb column, falling back to the given
// literal on error.
func marshalJSONB(v interface{}, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
