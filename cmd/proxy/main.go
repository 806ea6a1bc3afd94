// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the OpenGuard reverse proxy.
//
// The proxy sits between OpenAI-compatible clients and upstream model
// providers, applying input and output guardrails, anonymizing sensitive
// spans before they leave the perimeter, and restoring them in the
// responses, including token-by-token in SSE streams.
//
// Usage:
//
//	./proxy
//
// Environment Variables:
//
//	PROXY_PORT   - HTTP server port (default: 5002)
//	DATABASE_URL - PostgreSQL connection string
//	DATA_DIR     - filesystem root holding the API key encryption key
package main

import (
	"openguard/platform/proxy"
)

func main() {
	proxy.Run()
}
