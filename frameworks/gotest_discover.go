package frameworks

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// Discover lists the top-level test functions selected by tc without
// running them. Entries are scope labels: "./pkg/TestName".
func (g *GoTest) Discover(tc types.TestExecutionContext) ([]string, error) {
	if tc.ProjectPath == "" {
		return nil, types.NewInvalidContextError("project path is required")
	}
	pattern := tc.Scope.Suite
	if pattern == "" {
		pattern = AllPackagesPattern
	}

	recursive := strings.HasSuffix(pattern, "/...")
	pkgPath := strings.TrimSuffix(pattern, "/...")
	if pkgPath == "." || pkgPath == "" {
		pkgPath = "./"
	}

	relPath, err := relativePackagePath(pkgPath, tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	dirs := []string{relPath}
	if recursive {
		dirs, err = packageDirs(tc.ProjectPath, relPath)
		if err != nil {
			return nil, err
		}
	}

	var tests []string
	for _, dir := range dirs {
		names, err := FindTestFunctions(filepath.Join(tc.ProjectPath, dir))
		if err != nil {
			return nil, err
		}
		label := "./" + filepath.ToSlash(dir)
		if dir == "." {
			label = "."
		}
		for _, name := range names {
			if tc.Scope.Class != "" && name != tc.Scope.Class {
				continue
			}
			tests = append(tests, label+"/"+name)
		}
	}
	return tests, nil
}

// relativePackagePath maps a relative or module-qualified package path to a
// directory relative to the module root.
func relativePackagePath(pkgPath string, workingDir string) (string, error) {
	if strings.HasPrefix(pkgPath, "./") {
		rel := strings.TrimPrefix(pkgPath, "./")
		if rel == "" {
			rel = "."
		}
		return filepath.Clean(rel), nil
	}

	// Read and parse go.mod
	goModPath := filepath.Join(workingDir, "go.mod")
	goModContent, err := os.ReadFile(goModPath)
	if err != nil {
		return "", fmt.Errorf("failed to read go.mod: %w", err)
	}

	modFile, err := modfile.Parse(goModPath, goModContent, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse go.mod: %w", err)
	}
	if modFile.Module == nil || modFile.Module.Mod.Path == "" {
		return "", fmt.Errorf("could not find module name in go.mod")
	}
	moduleName := modFile.Module.Mod.Path

	if pkgPath != moduleName && !strings.HasPrefix(pkgPath, moduleName+"/") {
		return "", fmt.Errorf("package %s is not in module %s", pkgPath, moduleName)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(pkgPath, moduleName), "/")
	if rel == "" {
		rel = "."
	}
	return filepath.Clean(rel), nil
}

// packageDirs returns root and every directory below it containing test
// files, skipping testdata, vendor and hidden directories.
func packageDirs(project, root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(filepath.Join(project, root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != filepath.Join(project, root) &&
			(name == "testdata" || name == "vendor" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
			return filepath.SkipDir
		}
		matches, err := filepath.Glob(filepath.Join(path, "*_test.go"))
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			rel, err := filepath.Rel(project, path)
			if err != nil {
				return err
			}
			dirs = append(dirs, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// FindTestFunctions returns the names of the top-level test functions
// declared in the _test.go files of pkgDir, in declaration order.
func FindTestFunctions(pkgDir string) ([]string, error) {
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var testFunctions []string
	fset := token.NewFileSet()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}

		filePath := filepath.Join(pkgDir, entry.Name())
		f, err := parser.ParseFile(fset, filePath, nil, parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		for _, decl := range f.Decls {
			funcDecl, ok := decl.(*ast.FuncDecl)
			if !ok || funcDecl.Recv != nil {
				continue
			}
			if isTestFunc(funcDecl) {
				testFunctions = append(testFunctions, funcDecl.Name.Name)
			}
		}
	}

	return testFunctions, nil
}

// isTestFunc matches `func TestXxx(t *testing.T)`; TestMain is excluded
func isTestFunc(fn *ast.FuncDecl) bool {
	name := fn.Name.Name
	if !strings.HasPrefix(name, "Test") || name == "TestMain" {
		return false
	}
	// The character after "Test" must not be lower case
	if rest := name[len("Test"):]; rest != "" {
		if r := rest[0]; r >= 'a' && r <= 'z' {
			return false
		}
	}
	params := fn.Type.Params
	return params != nil && len(params.List) == 1
}
