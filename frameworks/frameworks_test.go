package frameworks

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testrunner/registry"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

func TestCommands(t *testing.T) {
	project := "/work/calc"

	tests := []struct {
		name     string
		fw       runner.Framework
		tc       types.TestExecutionContext
		wantPath string
		wantArgs []string
		wantEnv  []string
	}{
		{
			name:     "gotest whole module",
			fw:       NewGoTest(Settings{}),
			tc:       types.TestExecutionContext{ProjectPath: project},
			wantPath: "go",
			wantArgs: []string{"test", "-json", "-v", "./..."},
		},
		{
			name: "gotest subtest with parameters",
			fw:   NewGoTest(Settings{Binary: "/opt/go/bin/go", Args: []string{"-count=1"}, Env: []string{"CGO_ENABLED=0"}}),
			tc: types.TestExecutionContext{
				ProjectPath: project,
				Scope:       types.TestScope{Suite: "./calc", Class: "TestSub", Method: "negative"},
				Parameters:  map[string]string{GoParamTags: "integration", GoParamTimeout: "5m", GoParamRace: "true"},
			},
			wantPath: "/opt/go/bin/go",
			wantArgs: []string{"test", "-json", "-v", "-tags", "integration", "-timeout", "5m", "-race",
				"-run", "^TestSub$/^negative$", "-count=1", "./calc"},
			wantEnv: []string{"CGO_ENABLED=0"},
		},
		{
			name:     "junit class",
			fw:       NewJUnit(Settings{}),
			tc:       types.TestExecutionContext{ProjectPath: project, Scope: types.TestScope{Class: "com.example.CalcTest"}},
			wantPath: "mvn",
			wantArgs: []string{"-B", "test", "-Dtest=com.example.CalcTest", "-Dsurefire.failIfNoSpecifiedTests=false"},
		},
		{
			name: "junit method in module",
			fw:   NewJUnit(Settings{Args: []string{"-o"}}),
			tc: types.TestExecutionContext{
				ProjectPath: project,
				Scope:       types.TestScope{Suite: "core", Class: "CalcTest", Method: "testAdd"},
				Parameters:  map[string]string{JUnitParamProfiles: "ci"},
			},
			wantPath: "mvn",
			wantArgs: []string{"-B", "-pl", "core", "-P", "ci", "test", "-Dtest=CalcTest#testAdd",
				"-Dsurefire.failIfNoSpecifiedTests=false", "-o"},
		},
		{
			name:     "junit everything",
			fw:       NewJUnit(Settings{}),
			tc:       types.TestExecutionContext{ProjectPath: project},
			wantPath: "mvn",
			wantArgs: []string{"-B", "test"},
		},
		{
			name:     "testng class",
			fw:       NewTestNG(Settings{}),
			tc:       types.TestExecutionContext{ProjectPath: project, Scope: types.TestScope{Class: "com.example.CalcTest"}},
			wantPath: "java",
			wantArgs: []string{"-cp", DefaultClasspath, "org.testng.TestNG", "-d", "/work/calc/test-output",
				"-testclass", "com.example.CalcTest"},
		},
		{
			name: "testng method",
			fw:   NewTestNG(Settings{}),
			tc: types.TestExecutionContext{
				ProjectPath: project,
				Scope:       types.TestScope{Class: "com.example.CalcTest", Method: "testAdd"},
				Parameters:  map[string]string{TestNGParamClasspath: "lib/*:build", TestNGParamOutputDir: "/tmp/out", TestNGParamGroups: "fast"},
			},
			wantPath: "java",
			wantArgs: []string{"-cp", "lib/*:build", "org.testng.TestNG", "-d", "/tmp/out", "-groups", "fast",
				"-methods", "com.example.CalcTest.testAdd"},
		},
		{
			name:     "testng suite file",
			fw:       NewTestNG(Settings{}),
			tc:       types.TestExecutionContext{ProjectPath: project, Scope: types.TestScope{Suite: "smoke.xml"}},
			wantPath: "java",
			wantArgs: []string{"-cp", DefaultClasspath, "org.testng.TestNG", "-d", "/work/calc/test-output", "smoke.xml"},
		},
		{
			name: "pytest node id",
			fw:   NewPytest(Settings{Binary: "python3"}),
			tc: types.TestExecutionContext{
				ProjectPath: project,
				Scope:       types.TestScope{Suite: "tests/test_calc.py", Class: "TestCalc", Method: "test_sub"},
			},
			wantPath: "python3",
			wantArgs: []string{"-m", "pytest", "-v", "-rA", "--color=no", "tests/test_calc.py::TestCalc::test_sub"},
			wantEnv:  []string{"PYTHONUNBUFFERED=1"},
		},
		{
			name: "pytest keyword selection",
			fw:   NewPytest(Settings{}),
			tc: types.TestExecutionContext{
				ProjectPath: project,
				Scope:       types.TestScope{Class: "TestCalc", Method: "test_sub"},
				Parameters:  map[string]string{PytestParamMarkers: "not slow", PytestParamKeyword: "calc"},
			},
			wantPath: "python",
			wantArgs: []string{"-m", "pytest", "-v", "-rA", "--color=no", "-m", "not slow", "-k", "(calc) and TestCalc and test_sub"},
			wantEnv:  []string{"PYTHONUNBUFFERED=1"},
		},
		{
			name: "googletest filter",
			fw:   NewGoogleTest(Settings{}),
			tc: types.TestExecutionContext{
				ProjectPath: project,
				Scope:       types.TestScope{Suite: "build/calc_test", Class: "CalcTest", Method: "Sub"},
			},
			wantPath: "/work/calc/build/calc_test",
			wantArgs: []string{"--gtest_color=no", "--gtest_filter=CalcTest.Sub"},
		},
		{
			name: "googletest binary parameter",
			fw:   NewGoogleTest(Settings{}),
			tc: types.TestExecutionContext{
				ProjectPath: project,
				Scope:       types.TestScope{Class: "CalcTest"},
				Parameters:  map[string]string{GoogleTestParamBinary: "/usr/local/bin/calc_test"},
			},
			wantPath: "/usr/local/bin/calc_test",
			wantArgs: []string{"--gtest_color=no", "--gtest_filter=CalcTest.*"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := tt.fw.Command(tt.tc)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, spec.Path)
			assert.Equal(t, tt.wantArgs, spec.Args)
			assert.Equal(t, tt.wantEnv, spec.Env)
			assert.Empty(t, spec.Dir, "runs in the project directory")
		})
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		fw   runner.Framework
		tc   types.TestExecutionContext
	}{
		{
			name: "gotest invalid timeout",
			fw:   NewGoTest(Settings{}),
			tc:   types.TestExecutionContext{ProjectPath: "/p", Parameters: map[string]string{GoParamTimeout: "soon"}},
		},
		{
			name: "testng method without class",
			fw:   NewTestNG(Settings{}),
			tc:   types.TestExecutionContext{ProjectPath: "/p", Scope: types.TestScope{Suite: "s.xml", Method: "m"}},
		},
		{
			name: "googletest without binary",
			fw:   NewGoogleTest(Settings{}),
			tc:   types.TestExecutionContext{ProjectPath: "/p", Scope: types.TestScope{Class: "CalcTest"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fw.Command(tt.tc)
			assert.True(t, types.IsInvalidContextError(err), "got %v", err)
		})
	}
}

func TestNew(t *testing.T) {
	for _, kind := range Kinds() {
		fw, err := New(kind, Settings{})
		require.NoError(t, err)
		assert.Equal(t, kind, fw.Name())
	}

	_, err := New("cargo", Settings{})
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	opts := runner.Options{Logger: log.NewLogger(log.DiscardHandler())}

	t.Run("defaults", func(t *testing.T) {
		reg := registry.NewRegistry(registry.Config{Log: opts.Logger})
		require.NoError(t, Register(reg, nil, opts))
		assert.Equal(t, Kinds(), reg.Names())

		r, err := reg.Resolve(KindJUnit)
		require.NoError(t, err)
		assert.Equal(t, KindJUnit, r.Name())
	})

	t.Run("configured", func(t *testing.T) {
		reg := registry.NewRegistry(registry.Config{Log: opts.Logger})
		cfg := &registry.FrameworksConfig{Frameworks: []registry.FrameworkConfig{
			{Name: "JUnit", Kind: KindJUnit, Binary: "./mvnw"},
			{Name: "TestNG", Kind: KindTestNG},
			{Name: "pytest", Kind: KindPytest, Disabled: true},
		}}
		require.NoError(t, Register(reg, cfg, opts))
		assert.Equal(t, []string{"JUnit", "TestNG"}, reg.Names())

		r, err := reg.Resolve("JUnit")
		require.NoError(t, err)
		assert.Equal(t, "JUnit", r.Name())

		_, err = reg.Resolve("pytest")
		assert.True(t, types.IsResolutionError(err))
	})

	t.Run("unknown kind", func(t *testing.T) {
		reg := registry.NewRegistry(registry.Config{Log: opts.Logger})
		cfg := &registry.FrameworksConfig{Frameworks: []registry.FrameworkConfig{{Name: "cargo", Kind: "cargo"}}}
		assert.Error(t, Register(reg, cfg, opts))
		assert.Zero(t, reg.Len())
	})
}

func TestGoTest_Discover(t *testing.T) {
	project, err := filepath.Abs(filepath.Join("testdata", "gomod"))
	require.NoError(t, err)
	g := NewGoTest(Settings{})

	tests := []struct {
		name    string
		scope   types.TestScope
		want    []string
		wantErr bool
	}{
		{
			name: "whole module",
			want: []string{"./TestAdd", "./TestSub", "./pkg/TestPkg", "./pkg/sub/TestSub"},
		},
		{
			name:  "module qualified package",
			scope: types.TestScope{Suite: "example.com/calc/pkg"},
			want:  []string{"./pkg/TestPkg"},
		},
		{
			name:  "relative recursive",
			scope: types.TestScope{Suite: "./pkg/..."},
			want:  []string{"./pkg/TestPkg", "./pkg/sub/TestSub"},
		},
		{
			name:  "filtered by class",
			scope: types.TestScope{Class: "TestSub"},
			want:  []string{"./TestSub", "./pkg/sub/TestSub"},
		},
		{
			name:    "package outside module",
			scope:   types.TestScope{Suite: "example.org/other"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Discover(types.TestExecutionContext{ProjectPath: project, Scope: tt.scope})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindTestFunctions(t *testing.T) {
	got, err := FindTestFunctions(filepath.Join("testdata", "gomod"))
	require.NoError(t, err)
	assert.Equal(t, []string{"TestAdd", "TestSub"}, got)

	got, err = FindTestFunctions(filepath.Join("testdata", "gomod", "pkg"))
	require.NoError(t, err)
	assert.Equal(t, []string{"TestPkg"}, got)

	_, err = FindTestFunctions(filepath.Join("testdata", "missing"))
	assert.Error(t, err)
}
