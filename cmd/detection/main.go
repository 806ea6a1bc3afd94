// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the OpenGuard detection service.
//
// Detection exposes the guardrails API: multi-dimensional risk analysis
// over conversations, email and webpage scanning, the security gateway
// input/output endpoints, and the Dify moderation adapter.
//
// Usage:
//
//	./detection
//
// Environment Variables:
//
//	DETECTION_PORT           - HTTP server port (default: 5001)
//	DATABASE_URL             - PostgreSQL connection string
//	GUARDRAILS_MODEL_API_URL - OpenAI-compatible safety model endpoint
//	REDIS_URL                - optional Redis for distributed rate limiting
package main

import (
	"openguard/platform/detection"
)

func main() {
	detection.Run()
}
