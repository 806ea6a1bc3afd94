// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package types provides shared type definitions used across OpenGuard
// services. This file defines deployment mode configuration for SaaS vs
// enterprise (self-hosted) deployments.
package types

// DeploymentMode represents the deployment type
type DeploymentMode string

const (
	// DeploymentModeSaaS is for multi-tenant SaaS deployments with
	// subscriptions, quotas, and the scanner marketplace enabled.
	DeploymentModeSaaS DeploymentMode = "saas"
	// DeploymentModeEnterprise is for single-customer self-hosted
	// deployments. Billing, quotas, and purchases are disabled.
	DeploymentModeEnterprise DeploymentMode = "enterprise"
)

// String returns the string representation of the DeploymentMode
func (m DeploymentMode) String() string {
	return string(m)
}

// IsValid returns true if the DeploymentMode is a valid known value
func (m DeploymentMode) IsValid() bool {
	switch m {
	case DeploymentModeSaaS, DeploymentModeEnterprise:
		return true
	default:
		return false
	}
}

// IsSaaS returns true if this is a SaaS deployment
func (m DeploymentMode) IsSaaS() bool {
	return m == DeploymentModeSaaS
}

// DeploymentConfig contains deployment-specific settings that control
// feature visibility based on deployment type.
//
// SaaS deployments enforce subscriptions and monthly quotas and expose the
// premium scanner marketplace. Enterprise deployments run every feature
// unmetered.
type DeploymentConfig struct {
	// Mode is the deployment type (saas or enterprise)
	Mode DeploymentMode `json:"mode"`

	// EnforceQuota enables the monthly request quota middleware
	EnforceQuota bool `json:"enforce_quota"`

	// EnableMarketplace enables premium scanner packages and purchases
	EnableMarketplace bool `json:"enable_marketplace"`

	// EnableBilling enables subscription and usage billing reads
	EnableBilling bool `json:"enable_billing"`
}

// DefaultSaaSConfig returns the default configuration for SaaS deployments.
func DefaultSaaSConfig() DeploymentConfig {
	return DeploymentConfig{
		Mode:              DeploymentModeSaaS,
		EnforceQuota:      true,
		EnableMarketplace: true,
		EnableBilling:     true,
	}
}

// DefaultEnterpriseConfig returns the default configuration for enterprise
// deployments. Nothing is metered.
func DefaultEnterpriseConfig() DeploymentConfig {
	return DeploymentConfig{
		Mode:              DeploymentModeEnterprise,
		EnforceQuota:      false,
		EnableMarketplace: false,
		EnableBilling:     false,
	}
}

// ConfigForMode returns the default DeploymentConfig for the given mode.
// Unknown modes fall back to enterprise, the safer default for self-hosters.
func ConfigForMode(mode DeploymentMode) DeploymentConfig {
	if mode.IsSaaS() {
		return DefaultSaaSConfig()
	}
	return DefaultEnterpriseConfig()
}
