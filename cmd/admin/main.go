// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the OpenGuard admin service.
//
// Admin owns tenant registration and login, application and scanner
// management, policy configuration, the detection result log, and the
// appeal flow. It also runs the schema migration, loads the built-in
// scanner packages, and imports detection logs into Postgres.
//
// Usage:
//
//	./admin
//
// Environment Variables:
//
//	ADMIN_PORT   - HTTP server port (default: 5000)
//	DATABASE_URL - PostgreSQL connection string
//	DATA_DIR     - filesystem root for logs and key material
//	JWT_SECRET_KEY - secret for signing access tokens
package main

import (
	"openguard/platform/admin"
)

func main() {
	admin.Run()
}
