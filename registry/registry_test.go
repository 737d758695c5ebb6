package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

type stubRunner struct {
	name string
}

func (s *stubRunner) Name() string { return s.name }

func (s *stubRunner) Execute(context.Context, types.TestExecutionContext) (*runner.Execution, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubRunner) ExecuteParameters(context.Context, map[string]string) (*types.TestResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func newTestRegistry() *Registry {
	return NewRegistry(Config{Log: log.NewLogger(log.DiscardHandler())})
}

func TestRegistry_RegisterResolve(t *testing.T) {
	reg := newTestRegistry()
	junit := &stubRunner{name: "JUnit"}
	testng := &stubRunner{name: "TestNG"}

	require.NoError(t, reg.Register("JUnit", junit))
	require.NoError(t, reg.RegisterRunner(testng))

	got, err := reg.Resolve("JUnit")
	require.NoError(t, err)
	assert.Same(t, junit, got)

	got, err = reg.Resolve("TestNG")
	require.NoError(t, err)
	assert.Same(t, testng, got)

	assert.Equal(t, []string{"JUnit", "TestNG"}, reg.Names())
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Register("JUnit", &stubRunner{name: "JUnit"}))

	tests := []string{"Unknown", "", "junit", " JUnit"}
	for _, name := range tests {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			got, err := reg.Resolve(name)
			assert.Nil(t, got)
			require.Error(t, err)
			assert.True(t, types.IsResolutionError(err))
		})
	}
}

func TestRegistry_LastWriteWins(t *testing.T) {
	reg := newTestRegistry()
	first := &stubRunner{name: "first"}
	second := &stubRunner{name: "second"}

	require.NoError(t, reg.Register("JUnit", first))
	require.NoError(t, reg.Register("JUnit", second))

	got, err := reg.Resolve("JUnit")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := newTestRegistry()
	assert.ErrorIs(t, reg.Register("", &stubRunner{}), ErrEmptyName)
	assert.ErrorIs(t, reg.Register("  ", &stubRunner{}), ErrEmptyName)
	assert.ErrorIs(t, reg.Register("JUnit", nil), ErrNilRunner)
	assert.ErrorIs(t, reg.RegisterRunner(nil), ErrNilRunner)
	assert.ErrorIs(t, reg.RegisterRunner(&stubRunner{}), ErrEmptyName)
	assert.Zero(t, reg.Len())
}

func TestRegistry_Unregister(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Register("JUnit", &stubRunner{name: "JUnit"}))

	assert.True(t, reg.Unregister("JUnit"))
	assert.False(t, reg.Unregister("JUnit"))

	_, err := reg.Resolve("JUnit")
	assert.True(t, types.IsResolutionError(err))
	assert.Empty(t, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Register("stable", &stubRunner{name: "stable"}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				name := fmt.Sprintf("fw-%d-%d", i, j%10)
				assert.NoError(t, reg.Register(name, &stubRunner{name: name}))
				if j%3 == 0 {
					reg.Unregister(name)
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, err := reg.Resolve("stable")
				if assert.NoError(t, err) {
					assert.Equal(t, "stable", got.Name())
				}
				_ = reg.Names()
			}
		}()
	}
	wg.Wait()

	got, err := reg.Resolve("stable")
	require.NoError(t, err)
	assert.Equal(t, "stable", got.Name())
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		kinds   []string
		wantErr string
		check   func(t *testing.T, cfg *FrameworksConfig)
	}{
		{
			name: "valid",
			content: `
frameworks:
  - name: gotest
    kind: gotest
    binary: /usr/local/go/bin/go
    env:
      GOFLAGS: -mod=mod
      CGO_ENABLED: "0"
    args: ["-count=1"]
  - name: JUnit
    kind: junit
  - name: pytest
    kind: pytest
    disabled: true
`,
			kinds: []string{"gotest", "junit", "pytest"},
			check: func(t *testing.T, cfg *FrameworksConfig) {
				require.Len(t, cfg.Frameworks, 3)
				assert.Equal(t, "/usr/local/go/bin/go", cfg.Frameworks[0].Binary)
				assert.Equal(t, []string{"-count=1"}, cfg.Frameworks[0].Args)
				assert.Equal(t, []string{"CGO_ENABLED=0", "GOFLAGS=-mod=mod"}, cfg.Frameworks[0].EnvList())

				enabled := cfg.Enabled()
				require.Len(t, enabled, 2)
				assert.Equal(t, "JUnit", enabled[1].Name)
			},
		},
		{
			name: "duplicate names",
			content: `
frameworks:
  - {name: a, kind: gotest}
  - {name: a, kind: junit}
`,
			wantErr: "duplicate name",
		},
		{
			name:    "missing kind",
			content: "frameworks:\n  - name: a\n",
			wantErr: "kind is required",
		},
		{
			name:    "missing name",
			content: "frameworks:\n  - kind: gotest\n",
			wantErr: "name is required",
		},
		{
			name:    "unknown kind",
			content: "frameworks:\n  - {name: a, kind: cargo}\n",
			kinds:   []string{"gotest"},
			wantErr: `unknown kind "cargo"`,
		},
		{
			name:    "malformed yaml",
			content: "frameworks: [",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "frameworks.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			cfg, err := LoadConfig(path, tt.kinds...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}
