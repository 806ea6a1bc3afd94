// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

// packageFile is the on-disk JSON shape of a scanner package under
// builtin_scanners/.
type packageFile struct {
	PackageCode string           `json:"package_code"`
	PackageName string           `json:"package_name"`
	Type        string           `json:"type,omitempty"`
	Author      string           `json:"author,omitempty"`
	Version     string           `json:"version,omitempty"`
	License     string           `json:"license,omitempty"`
	Description string           `json:"description,omitempty"`
	Scanners    []scannerFileDef `json:"scanners"`
}

type scannerFileDef struct {
	Tag          string `json:"tag"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Type         string `json:"type"`
	Definition   string `json:"definition"`
	RiskLevel    string `json:"risk_level"`
	ScanPrompt   bool   `json:"scan_prompt"`
	ScanResponse bool   `json:"scan_response"`
}

// LoadBuiltinScanners reads every *.json package under dir and upserts it.
// Runs at admin boot so schema migrations and definition updates ship with
// the binary.
func LoadBuiltinScanners(ctx context.Context, st *store.Store, dir string, log *logger.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read scanner package dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		var pf packageFile
		if err := json.Unmarshal(raw, &pf); err != nil {
			return fmt.Errorf("invalid scanner package %s: %w", name, err)
		}
		if pf.PackageCode == "" || len(pf.Scanners) == 0 {
			return fmt.Errorf("scanner package %s has no code or scanners", name)
		}

		pkgType := store.PackageType(pf.Type)
		if pkgType == "" {
			pkgType = store.PackageBuiltin
		}
		pkg := &store.ScannerPackage{
			Code:        pf.PackageCode,
			Name:        pf.PackageName,
			Type:        pkgType,
			Author:      pf.Author,
			Version:     pf.Version,
			License:     pf.License,
			Description: pf.Description,
		}

		scanners := make([]store.Scanner, 0, len(pf.Scanners))
		for _, d := range pf.Scanners {
			level := types.RiskLevel(d.RiskLevel)
			if !level.IsValid() {
				return fmt.Errorf("scanner %s in %s has invalid risk_level %q", d.Tag, name, d.RiskLevel)
			}
			scanners = append(scanners, store.Scanner{
				Tag:          d.Tag,
				Name:         d.Name,
				Description:  d.Description,
				Type:         types.ScannerType(d.Type),
				Definition:   d.Definition,
				RiskLevel:    level,
				ScanPrompt:   d.ScanPrompt,
				ScanResponse: d.ScanResponse,
			})
		}

		if err := st.Scanners.UpsertPackage(ctx, pkg, scanners); err != nil {
			return err
		}
		log.Info("", "", "scanner package loaded", map[string]interface{}{
			"package": pf.PackageCode, "scanners": len(scanners),
		})
	}
	return nil
}
