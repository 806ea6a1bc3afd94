// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging shared by the admin,
// detection, and proxy services.
package logger
