package blob

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyBlobPackageImportsInfra keeps archive and transport code on the
// Store interface; only this facade may construct infra backends.
func TestOnlyBlobPackageImportsInfra(t *testing.T) {
	const infraPrefix = "medtrace/internal/infra/blob"
	const allowedPrefix = "medtrace/internal/blob"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "medtrace/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if underPrefix(pkg.PkgPath, allowedPrefix) || underPrefix(pkg.PkgPath, infraPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if !underPrefix(importPath, infraPrefix) {
				continue
			}
			v := pkg.PkgPath + ": " + importPath
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			violations = append(violations, v)
		}
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("forbidden import of infra blob package: %s", v)
	}
}

func underPrefix(path, prefix string) bool {
	path = strings.TrimSuffix(path, ".test")
	return path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"_test")
}
