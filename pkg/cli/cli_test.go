package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/poltergeist/cmakectl/pkg/cli"
	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/mocks"
	"github.com/poltergeist/cmakectl/pkg/types"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

// syncBuffer is written by the event sink and the logger concurrently
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type result struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, engine *mocks.FakeEngine, args ...string) result {
	t.Helper()
	return executeContext(context.Background(), t, engine, args...)
}

func executeContext(ctx context.Context, t *testing.T, engine *mocks.FakeEngine, args ...string) result {
	t.Helper()
	out, errOut := &syncBuffer{}, &syncBuffer{}
	cfg := cli.NewConfig()
	cfg.Version = "1.2.3"
	cfg.Out = out
	cfg.ErrOut = errOut
	cfg.EngineFactory = engine.Factory()

	err := cli.NewCLI(cfg).Execute(ctx, args)
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

// project creates a source tree and an empty build directory
func project(t *testing.T) (src, build string) {
	t.Helper()
	src = utils.NormalizePath(t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(src, "CMakeLists.txt"), []byte("project(x)\n"), 0o644))
	build = utils.NormalizePath(t.TempDir())
	return src, build
}

func seeded(t *testing.T) (*mocks.FakeEngine, string, string) {
	t.Helper()
	src, build := project(t)
	engine := mocks.NewFakeEngine()
	adv := mocks.Entry("ON", types.EntryTypeBool)
	adv.Props[types.PropertyAdvanced] = "1"
	engine.SeedCache(build, map[string]mocks.FakeEntry{
		"CMAKE_HOME_DIRECTORY": mocks.Entry(src, types.EntryTypeInternal),
		"CMAKE_BUILD_TYPE":     mocks.Entry("Debug", types.EntryTypeString),
		"USE_SIMD":             adv,
	})
	return engine, src, build
}

func TestConfigure_AppliesDefinitions(t *testing.T) {
	src, build := project(t)
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "configure", "-S", src, "-B", build,
		"-D", "CMAKE_BUILD_TYPE=Release", "-D", "ENABLE_TESTS:BOOL=yes")
	require.NoError(t, res.err, res.stderr)

	assert.Equal(t, 1, engine.GetConfigureCount())
	gotSrc, gotBuild := engine.Directories()
	assert.Equal(t, src, gotSrc)
	assert.Equal(t, build, gotBuild)

	disk, ok := engine.DiskCache(build)
	require.True(t, ok)
	assert.Equal(t, "Release", disk["CMAKE_BUILD_TYPE"].Value)
	assert.Equal(t, types.EntryTypeString, disk["CMAKE_BUILD_TYPE"].Type)
	assert.Equal(t, "ON", disk["ENABLE_TESTS"].Value)
	assert.Equal(t, types.EntryTypeBool, disk["ENABLE_TESTS"].Type)

	assert.Contains(t, res.stdout, "configure finished")
}

func TestConfigure_ExitCodeFromOperation(t *testing.T) {
	src, build := project(t)
	engine := mocks.NewFakeEngine()
	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		cb.Progress("Configuring", 0.5)
		cb.Output("-- The CXX compiler identification is GNU")
		cb.ErrorMessage("CMake Error at CMakeLists.txt:3")
		return 3
	})

	res := execute(t, engine, "configure", "-S", src, "-B", build)

	var exitErr *cli.ExitError
	require.True(t, errors.As(res.err, &exitErr), "expected ExitError, got %v", res.err)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, res.stdout, "The CXX compiler identification is GNU")
	assert.Contains(t, res.stdout, "Configuring")
	assert.Contains(t, res.stderr, "CMake Error at CMakeLists.txt:3")
	assert.Contains(t, res.stderr, "failed with exit code 3")
}

func TestConfigure_ThenGenerate(t *testing.T) {
	src, build := project(t)
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "configure", "--generate", "-S", src, "-B", build, "-G", "Ninja")
	require.NoError(t, res.err, res.stderr)

	assert.Equal(t, 1, engine.GetConfigureCount())
	assert.Equal(t, 1, engine.GetGenerateCount())
	assert.Equal(t, "Ninja", engine.Generator())
	assert.Contains(t, res.stdout, "generate finished")
}

func TestConfigure_GenerateSkippedOnFailure(t *testing.T) {
	src, build := project(t)
	engine := mocks.NewFakeEngine()
	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int { return 1 })

	res := execute(t, engine, "configure", "--generate", "-S", src, "-B", build)
	require.Error(t, res.err)
	assert.Equal(t, 0, engine.GetGenerateCount())
}

func TestConfigure_RequiresBuildDirectory(t *testing.T) {
	src, _ := project(t)
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "configure", "-S", src)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no build directory")
	assert.Equal(t, 0, engine.GetConfigureCount())
}

func TestConfigure_RejectsUnknownGenerator(t *testing.T) {
	src, build := project(t)
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "configure", "-S", src, "-B", build, "-G", "Borland Makefiles")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "unknown generator")
	assert.Equal(t, 0, engine.GetConfigureCount())
}

func TestConfigure_RejectsBadDefinition(t *testing.T) {
	src, build := project(t)
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "configure", "-S", src, "-B", build, "-D", "NOVALUE")
	require.Error(t, res.err)
	assert.Equal(t, 0, engine.GetConfigureCount())
}

func TestGenerate(t *testing.T) {
	engine, _, build := seeded(t)

	res := execute(t, engine, "generate", "-B", build)
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, 1, engine.GetGenerateCount())
}

func TestCacheList(t *testing.T) {
	engine, _, build := seeded(t)

	res := execute(t, engine, "cache", "list", "-B", build)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "CMAKE_BUILD_TYPE")
	assert.Contains(t, res.stdout, "Debug")
	assert.NotContains(t, res.stdout, "USE_SIMD")
	assert.NotContains(t, res.stdout, "CMAKE_HOME_DIRECTORY")

	res = execute(t, engine, "cache", "list", "--advanced", "-B", build)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "USE_SIMD")
}

func TestCacheList_JSON(t *testing.T) {
	engine, _, build := seeded(t)

	res := execute(t, engine, "cache", "list", "--json", "--advanced", "-B", build)
	require.NoError(t, res.err, res.stderr)

	var entries []types.CacheEntry
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "CMAKE_BUILD_TYPE", entries[0].Key)
	assert.Equal(t, "USE_SIMD", entries[1].Key)
	assert.True(t, entries[1].Value.Bool())
	assert.True(t, entries[1].Advanced)
}

func TestCacheSetAndUnset(t *testing.T) {
	engine, src, build := seeded(t)

	res := execute(t, engine, "cache", "set", "-B", build, "CMAKE_BUILD_TYPE=Release", "PREFIX:PATH=/opt/x")
	require.NoError(t, res.err, res.stderr)

	disk, _ := engine.DiskCache(build)
	assert.Equal(t, "Release", disk["CMAKE_BUILD_TYPE"].Value)
	assert.Equal(t, "/opt/x", disk["PREFIX"].Value)
	assert.Equal(t, types.EntryTypePath, disk["PREFIX"].Type)
	assert.Equal(t, "ON", disk["USE_SIMD"].Value)
	assert.Equal(t, src, disk["CMAKE_HOME_DIRECTORY"].Value)

	res = execute(t, engine, "cache", "unset", "-B", build, "PREFIX", "MISSING")
	require.NoError(t, res.err, res.stderr)

	disk, _ = engine.DiskCache(build)
	_, hasPrefix := disk["PREFIX"]
	assert.False(t, hasPrefix)
	assert.Contains(t, disk, "CMAKE_BUILD_TYPE")
	assert.Contains(t, disk, "CMAKE_HOME_DIRECTORY")
	assert.Contains(t, res.stderr, "No such cache entry")
}

func TestCacheExportAndApply(t *testing.T) {
	engine, _, build := seeded(t)
	file := filepath.Join(t.TempDir(), "cache.yaml")

	res := execute(t, engine, "cache", "export", "-B", build, "-o", file)
	require.NoError(t, res.err, res.stderr)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var doc struct {
		Entries []struct {
			Key      string `yaml:"key"`
			Type     string `yaml:"type"`
			Value    string `yaml:"value"`
			Advanced bool   `yaml:"advanced"`
		} `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Len(t, doc.Entries, 2)
	assert.Equal(t, "CMAKE_BUILD_TYPE", doc.Entries[0].Key)
	assert.Equal(t, "USE_SIMD", doc.Entries[1].Key)
	assert.Equal(t, "BOOL", doc.Entries[1].Type)
	assert.True(t, doc.Entries[1].Advanced)

	apply := "entries:\n  - key: CMAKE_BUILD_TYPE\n    type: STRING\n    value: MinSizeRel\n  - key: WITH_DOCS\n    type: BOOL\n    value: \"OFF\"\n"
	require.NoError(t, os.WriteFile(file, []byte(apply), 0o644))

	res = execute(t, engine, "cache", "apply", "-B", build, "-f", file)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Applied 2 entries")

	disk, _ := engine.DiskCache(build)
	assert.Equal(t, "MinSizeRel", disk["CMAKE_BUILD_TYPE"].Value)
	assert.Equal(t, "OFF", disk["WITH_DOCS"].Value)
	assert.NotContains(t, disk, "USE_SIMD")
	assert.Contains(t, disk, "CMAKE_HOME_DIRECTORY")
}

func TestCacheApply_RejectsReservedTypes(t *testing.T) {
	engine, _, build := seeded(t)
	file := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(file, []byte("entries:\n  - key: X\n    type: INTERNAL\n    value: y\n"), 0o644))

	res := execute(t, engine, "cache", "apply", "-B", build, "-f", file)
	require.Error(t, res.err)

	disk, _ := engine.DiskCache(build)
	assert.Contains(t, disk, "USE_SIMD")
}

func TestCacheReloadAndDelete(t *testing.T) {
	engine, _, build := seeded(t)

	res := execute(t, engine, "cache", "reload", "-B", build)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Loaded 2 entries")

	res = execute(t, engine, "cache", "delete", "-B", build)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Cache deleted")

	_, ok := engine.DiskCache(build)
	assert.False(t, ok)
}

func TestHistory(t *testing.T) {
	src, build := project(t)
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "history", "-B", build)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "No history")

	require.NoError(t, execute(t, engine, "configure", "-S", src, "-B", build).err)
	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int { return 2 })
	require.Error(t, execute(t, engine, "configure", "-S", src, "-B", build).err)

	res = execute(t, engine, "history", "-B", build)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "configure")
	assert.Contains(t, res.stdout, "ok")
	assert.Contains(t, res.stdout, "exit 2")

	res = execute(t, engine, "history", "-B", build, "--clear")
	require.NoError(t, res.err)
	res = execute(t, engine, "history", "-B", build)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "No history")
}

func TestGenerators(t *testing.T) {
	res := execute(t, mocks.NewFakeEngine(), "generators")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "Ninja\nUnix Makefiles\n", res.stdout)
}

func TestInit(t *testing.T) {
	src, _ := project(t)
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "init", "--dir", src, "-G", "Ninja")
	require.NoError(t, res.err, res.stderr)

	data, err := os.ReadFile(filepath.Join(src, "cmakectl.yaml"))
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Equal(t, "Ninja", raw["generator"])
	assert.Equal(t, src, raw["source"])
	assert.Equal(t, src+"/build", raw["build"])

	res = execute(t, engine, "init", "--dir", src)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "already exists")

	res = execute(t, engine, "init", "--dir", src, "--force")
	require.NoError(t, res.err)
}

func TestConfigFile(t *testing.T) {
	src, build := project(t)
	file := filepath.Join(t.TempDir(), "cmakectl.yaml")
	content := "source: " + src + "\nbuild: " + build + "\ngenerator: Ninja\nwarnings:\n  uninitialized: true\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	engine := mocks.NewFakeEngine()

	res := execute(t, engine, "configure", "--config", file)
	require.NoError(t, res.err, res.stderr)

	_, gotBuild := engine.Directories()
	assert.Equal(t, build, gotBuild)
	assert.Equal(t, "Ninja", engine.Generator())
	assert.True(t, engine.Warnings().WarnUninitialized)
}

func TestWatch_ReconfiguresOnChange(t *testing.T) {
	t.Setenv("CMAKECTL_WATCH_DEBOUNCE", "50ms")
	src, build := project(t)
	engine := mocks.NewFakeEngine()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan result, 1)
	go func() {
		done <- executeContext(ctx, t, engine, "watch", "--generate", "-S", src, "-B", build)
	}()

	require.Eventually(t, func() bool { return engine.GetGenerateCount() >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, engine.GetConfigureCount())

	require.NoError(t, os.WriteFile(filepath.Join(src, "CMakeLists.txt"), []byte("project(y)\n"), 0o644))
	require.Eventually(t, func() bool { return engine.GetConfigureCount() >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case res := <-done:
		require.NoError(t, res.err, res.stderr)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestVersion(t *testing.T) {
	res := execute(t, mocks.NewFakeEngine(), "version")
	require.NoError(t, res.err)
	assert.Equal(t, "cmakectl v1.2.3\n", res.stdout)
}
