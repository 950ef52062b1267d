package controller

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/cmakectl/internal/worker"
	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/mocks"
	"github.com/poltergeist/cmakectl/pkg/types"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

const eventTimeout = 5 * time.Second

func newTestController(t *testing.T, opts ...Option) (*Controller, *mocks.FakeEngine) {
	t.Helper()
	engine := mocks.NewFakeEngine()
	opts = append([]Option{WithLogger(logger.CreateLoggerWithOutput("debug", io.Discard))}, opts...)
	c := New(engine.Factory(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c, engine
}

// withBuildDir seeds the fake disk and selects the directory, consuming
// the SettingsChanged and PropertiesChanged events it produces.
func withBuildDir(t *testing.T, c *Controller, engine *mocks.FakeEngine, seed map[string]mocks.FakeEntry) string {
	t.Helper()
	dir := utils.NormalizePath(t.TempDir())
	if seed != nil {
		engine.SeedCache(dir, seed)
	}
	require.NoError(t, c.SetBinaryDirectory(dir))
	require.IsType(t, SettingsChangedEvent{}, nextEvent(t, c))
	require.IsType(t, PropertiesChangedEvent{}, nextEvent(t, c))
	return dir
}

func nextEvent(t *testing.T, c *Controller) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// untilDone collects events up to and including OperationDone
func untilDone(t *testing.T, c *Controller) ([]Event, OperationDoneEvent) {
	t.Helper()
	var events []Event
	for {
		ev := nextEvent(t, c)
		events = append(events, ev)
		if done, ok := ev.(OperationDoneEvent); ok {
			return events, done
		}
	}
}

// closeAndDrain closes the controller and returns the events still queued
func closeAndDrain(t *testing.T, c *Controller) []Event {
	t.Helper()
	require.NoError(t, c.Close())
	var rest []Event
	for ev := range c.Events() {
		rest = append(rest, ev)
	}
	return rest
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func TestSetProperties_UpdatesAndAdds(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("1", types.EntryTypeBool),
	})

	desired := types.NewPropertySet(
		types.NewEntry("A", "0", types.EntryTypeBool),
		types.NewEntry("B", "hello", types.EntryTypeString),
	)
	require.NoError(t, c.SetProperties(desired))

	disk, ok := engine.DiskCache(dir)
	require.True(t, ok)
	require.Len(t, disk, 2)
	assert.Equal(t, "OFF", disk["A"].Value)
	assert.Equal(t, types.EntryTypeBool, disk["A"].Type)
	assert.Equal(t, "hello", disk["B"].Value)
	assert.Equal(t, types.EntryTypeString, disk["B"].Type)

	ev, ok := nextEvent(t, c).(PropertiesChangedEvent)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, ev.Properties.Keys())
	assert.True(t, desired.Equal(ev.Properties))
	assert.True(t, desired.Equal(c.Properties()))

	assert.True(t, engine.IsWatched("B"))
	assert.False(t, engine.IsWatched("A"))

	for _, rest := range closeAndDrain(t, c) {
		assert.NotEqual(t, KindPropertiesChanged, rest.Kind(), "only one PropertiesChanged expected")
	}
}

func TestSetProperties_RemovesMissingKeys(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("1", types.EntryTypeBool),
		"B": mocks.Entry("x", types.EntryTypeString),
	})
	engine.ResetCalls()

	require.NoError(t, c.SetProperties(types.NewPropertySet(
		types.NewEntry("A", "1", types.EntryTypeBool),
	)))

	calls := engine.Calls()
	unwatch := indexOf(calls, "unwatch B")
	remove := indexOf(calls, "remove B")
	require.GreaterOrEqual(t, unwatch, 0, "unwatch not called for B: %v", calls)
	assert.Less(t, unwatch, remove, "unwatch must precede removal")
	assert.Equal(t, "save "+dir, calls[len(calls)-1])

	disk, _ := engine.DiskCache(dir)
	require.Len(t, disk, 1)
	assert.Equal(t, "ON", disk["A"].Value)

	got := c.Properties()
	assert.Equal(t, []string{"A"}, got.Keys())
	assert.True(t, got["A"].Value.Bool())
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}

func TestSetProperties_RoundTrip(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"OLD":          mocks.Entry("gone", types.EntryTypeString),
		"CMAKE_ROOT":   mocks.Entry("/usr/share/cmake", types.EntryTypeInternal),
		"CMAKE_STATIC": mocks.Entry("x", types.EntryTypeStatic),
	})

	buildType := types.NewEntry("CMAKE_BUILD_TYPE", "Release", types.EntryTypeString)
	buildType.HelpText = "Choose the type of build"
	buildType.AllowedValues = []string{"Debug", "Release", "RelWithDebInfo"}
	feature := types.NewEntry("ENABLE_FEATURE", "YES", types.EntryTypeBool)
	feature.Advanced = true
	prefix := types.NewEntry("CMAKE_INSTALL_PREFIX", "/opt/app", types.EntryTypePath)
	prefix.HelpText = "Install path prefix"
	toolchain := types.NewEntry("TOOLCHAIN_FILE", "cmake/toolchain.cmake", types.EntryTypeFilePath)

	desired := types.NewPropertySet(buildType, feature, prefix, toolchain)
	require.NoError(t, c.SetProperties(desired))
	require.NoError(t, c.ReloadCache())

	got := c.Properties()
	assert.True(t, desired.Equal(got), "round trip mismatch: %v", got.Diff(desired))

	status := c.Status()
	disk, _ := engine.DiskCache(status.BinaryDirectory)
	assert.Equal(t, types.EntryTypeInternal, disk["CMAKE_ROOT"].Type)
	assert.Equal(t, types.EntryTypeStatic, disk["CMAKE_STATIC"].Type)
	assert.NotContains(t, disk, "OLD")
}

func TestSetProperties_EmptyClearsIdempotently(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A":          mocks.Entry("1", types.EntryTypeBool),
		"B":          mocks.Entry("x", types.EntryTypePath),
		"CMAKE_ROOT": mocks.Entry("/usr/share/cmake", types.EntryTypeInternal),
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, c.SetProperties(types.NewPropertySet()))

		disk, _ := engine.DiskCache(dir)
		assert.Len(t, disk, 1, "pass %d", i)
		assert.Contains(t, disk, "CMAKE_ROOT")
		assert.Empty(t, c.Properties())
	}
}

func TestSetProperties_TypeChangeIsUpdate(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("ON", types.EntryTypeBool),
	})
	engine.ResetCalls()

	require.NoError(t, c.SetProperties(types.NewPropertySet(
		types.NewEntry("A", "text", types.EntryTypeString),
	)))

	assert.NotContains(t, engine.Calls(), "remove A")
	assert.NotContains(t, engine.Calls(), "add A=text")
	got, ok := c.Properties().Get("A")
	require.True(t, ok)
	assert.Equal(t, types.EntryTypeString, got.Type)
	assert.Equal(t, "text", got.Value.String())
}

func TestSetProperties_SkipsReservedCollisions(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"CMAKE_ROOT": mocks.Entry("/usr/share/cmake", types.EntryTypeInternal),
	})

	require.NoError(t, c.SetProperties(types.NewPropertySet(
		types.NewEntry("CMAKE_ROOT", "/tmp", types.EntryTypePath),
	)))

	disk, _ := engine.DiskCache(dir)
	assert.Equal(t, "/usr/share/cmake", disk["CMAKE_ROOT"].Value)
	assert.Empty(t, c.Properties())
}

func TestSetProperties_SaveFailure(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("1", types.EntryTypeBool),
	})
	before := c.Properties()

	saveErr := errors.New("disk full")
	engine.SetSaveError(saveErr)

	err := c.SetProperties(types.NewPropertySet(types.NewEntry("B", "x", types.EntryTypeString)))
	require.Error(t, err)

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "save", ioErr.Op)
	assert.Equal(t, dir, ioErr.Dir)
	assert.ErrorIs(t, err, saveErr)

	assert.True(t, before.Equal(c.Properties()))
	assert.Equal(t, []string{"A"}, engine.GetCacheEntryKeys(), "engine view restored from disk")
	assert.Equal(t, StateIdle, c.Status().State)

	for _, ev := range closeAndDrain(t, c) {
		assert.NotEqual(t, KindPropertiesChanged, ev.Kind())
	}
}

func TestSetProperties_RejectsInvalidKeys(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("x", types.EntryTypeString),
	})
	engine.ResetCalls()

	for _, key := range []string{`a"b:c`, "two\nlines"} {
		desired := types.NewPropertySet(types.NewEntry(key, "v", types.EntryTypeString))
		assert.ErrorIs(t, c.SetProperties(desired), types.ErrInvalidKey, key)
	}

	assert.Empty(t, engine.Calls(), "engine untouched")
	stored, _ := engine.DiskCache(dir)
	assert.Contains(t, stored, "A")
	assert.Equal(t, []string{"A"}, c.Properties().Keys())
}

func TestSetProperties_EmptyAllowedValuesComeBackNil(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	mode := types.NewEntry("MODE", "fast", types.EntryTypeString)
	mode.AllowedValues = []string{""}
	desired := types.NewPropertySet(mode)
	require.Nil(t, desired["MODE"].AllowedValues)

	require.NoError(t, c.SetProperties(desired))
	assert.True(t, desired.Equal(c.Properties()))
}

func TestSetProperties_RequiresBinaryDirectory(t *testing.T) {
	c, _ := newTestController(t)
	assert.ErrorIs(t, c.SetProperties(types.NewPropertySet()), ErrNoBinaryDirectory)
	assert.ErrorIs(t, c.ReloadCache(), ErrNoBinaryDirectory)
	assert.ErrorIs(t, c.DeleteCache(), ErrNoBinaryDirectory)
	assert.ErrorIs(t, c.Configure(), ErrNoBinaryDirectory)
	assert.ErrorIs(t, c.Generate(), ErrNoBinaryDirectory)
}

func TestConfigure_SecondCallIsBusy(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	release := make(chan struct{})
	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		<-release
		return 0
	})

	require.NoError(t, c.Configure())
	assert.ErrorIs(t, c.Configure(), ErrBusy)
	assert.ErrorIs(t, c.Generate(), ErrBusy)
	assert.ErrorIs(t, c.SetProperties(types.NewPropertySet()), ErrBusy)
	assert.ErrorIs(t, c.ReloadCache(), ErrBusy)
	assert.ErrorIs(t, c.DeleteCache(), ErrBusy)
	assert.ErrorIs(t, c.SetSourceDirectory("/src"), ErrBusy)
	assert.ErrorIs(t, c.SetBinaryDirectory("/other"), ErrBusy)
	assert.ErrorIs(t, c.SetGenerator("Ninja"), ErrBusy)
	assert.ErrorIs(t, c.SetWarnings(interfaces.Warnings{}), ErrBusy)
	assert.Equal(t, "Configuring", c.Status().Label())
	close(release)

	_, done := untilDone(t, c)
	assert.Equal(t, 0, done.ExitCode)
	assert.Equal(t, 1, engine.GetConfigureCount())
}

func TestConfigure_ForwardsSettings(t *testing.T) {
	c, engine := newTestController(t)
	require.NoError(t, c.SetSourceDirectory("/work/src"))
	require.IsType(t, SettingsChangedEvent{}, nextEvent(t, c))
	require.NoError(t, c.SetGenerator("Ninja"))
	require.IsType(t, SettingsChangedEvent{}, nextEvent(t, c))
	warnings := interfaces.Warnings{WarnUninitialized: true, SuppressDevWarnings: true}
	require.NoError(t, c.SetWarnings(warnings))
	dir := withBuildDir(t, c, engine, nil)

	require.NoError(t, c.Configure())
	_, done := untilDone(t, c)
	require.True(t, done.Succeeded())

	source, binary := engine.Directories()
	assert.Equal(t, utils.NormalizePath("/work/src"), source)
	assert.Equal(t, dir, binary)
	assert.Equal(t, "Ninja", engine.Generator())
	assert.Equal(t, warnings, engine.Warnings())

	status := c.Status()
	assert.True(t, status.Configured)
	assert.Equal(t, "ReadyGenerate", status.Label())
}

func TestConfigure_EventsInCallbackOrder(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		cb.Progress("Configuring", 0)
		cb.Output("-- The C compiler identification is GNU")
		cb.ErrorMessage("CMake Warning: unused variable")
		cb.Output("-- Configuring done")
		cb.Progress("Configuring", 1)
		e.AddCacheEntry("FOUND", "ON", "", types.EntryTypeBool)
		return 0
	})

	require.NoError(t, c.Configure())
	events, done := untilDone(t, c)

	assert.Equal(t, []EventKind{
		KindProgress, KindOutput, KindErrorMessage, KindOutput, KindProgress,
		KindPropertiesChanged, KindOperationDone,
	}, kinds(events))

	require.NotEmpty(t, done.OperationID)
	for _, ev := range events {
		assert.Equal(t, done.OperationID, ev.Operation())
	}
	assert.Equal(t, "-- The C compiler identification is GNU", events[1].(OutputEvent).Text)
	assert.Equal(t, interfaces.OperationConfigure, done.Op)

	props := events[5].(PropertiesChangedEvent).Properties
	assert.Equal(t, []string{"FOUND"}, props.Keys())
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestConfigure_OperationsDoNotInterleave(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		cb.Output("configure")
		return 0
	})
	engine.SetGenerateFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		cb.Output("generate")
		return 0
	})

	require.NoError(t, c.Configure())
	first, done := untilDone(t, c)
	require.Equal(t, StateIdle, c.Status().State, "idle before OperationDone is seen")

	require.NoError(t, c.Generate())
	second, gen := untilDone(t, c)

	assert.NotEqual(t, done.OperationID, gen.OperationID)
	assert.Equal(t, "configure", first[0].(OutputEvent).Text)
	assert.Equal(t, []EventKind{KindOutput, KindOperationDone}, kinds(second))
	assert.Equal(t, interfaces.OperationGenerate, gen.Op)
}

func TestInterrupt_WithoutOperationIsNoop(t *testing.T) {
	c, _ := newTestController(t)

	c.Interrupt()

	assert.Equal(t, StateIdle, c.Status().State)
	assert.Empty(t, closeAndDrain(t, c))
}

func TestInterrupt_StopsConfigure(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	started := make(chan struct{})
	var observed atomic.Bool
	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		close(started)
		deadline := time.Now().Add(eventTimeout)
		for time.Now().Before(deadline) {
			if cb.InterruptPoll() {
				observed.Store(true)
				return 1
			}
			time.Sleep(time.Millisecond)
		}
		return 0
	})

	require.NoError(t, c.Configure())
	<-started
	c.Interrupt()
	assert.Equal(t, StateInterrupting, c.Status().State)

	_, done := untilDone(t, c)
	assert.True(t, observed.Load(), "engine did not observe the interrupt")
	assert.Equal(t, 1, done.ExitCode)

	status := c.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.False(t, status.Configured)
	assert.Equal(t, "ReadyConfigure", status.Label())
}

func TestInterrupt_FromEventHandler(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		cb.Output("waiting for interrupt")
		for !cb.InterruptPoll() {
			time.Sleep(time.Millisecond)
		}
		return 1
	})

	require.NoError(t, c.Configure())

	var done OperationDoneEvent
	for done.OperationID == "" {
		switch ev := nextEvent(t, c).(type) {
		case OutputEvent:
			c.Interrupt()
		case OperationDoneEvent:
			done = ev
		}
	}
	assert.Equal(t, 1, done.ExitCode)

	// the flag is cleared for the next operation
	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		if cb.InterruptPoll() {
			return 1
		}
		return 0
	})
	require.NoError(t, c.Configure())
	_, done = untilDone(t, c)
	assert.Equal(t, 0, done.ExitCode)
}

func TestConfigure_PanicBecomesExitCode(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		panic("parser exploded")
	})

	require.NoError(t, c.Configure())
	_, done := untilDone(t, c)
	assert.Equal(t, worker.ExitCodePanic, done.ExitCode)
	assert.Equal(t, StateIdle, c.Status().State)

	require.NoError(t, c.ReloadCache(), "controller stays usable")
}

func TestGenerate_PublishesOnlyChangedProperties(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("x", types.EntryTypeString),
	})

	require.NoError(t, c.Generate())
	events, done := untilDone(t, c)
	assert.Equal(t, []EventKind{KindOperationDone}, kinds(events))
	assert.Equal(t, 0, done.ExitCode)

	engine.SetGenerateFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		e.SetCacheEntryValue("A", "y")
		return 2
	})
	require.NoError(t, c.Generate())
	events, done = untilDone(t, c)
	assert.Equal(t, []EventKind{KindPropertiesChanged, KindOperationDone}, kinds(events))
	assert.Equal(t, 2, done.ExitCode)
	assert.False(t, c.Status().Configured, "generate does not mark the tree configured")
}

func TestSetBinaryDirectory_AdoptsCacheSettings(t *testing.T) {
	c, engine := newTestController(t)
	src := utils.NormalizePath(t.TempDir())
	dir := utils.NormalizePath(t.TempDir())
	engine.SeedCache(dir, map[string]mocks.FakeEntry{
		HomeDirectoryKey: mocks.Entry(src, types.EntryTypeInternal),
		GeneratorKey:     mocks.Entry("Unix Makefiles", types.EntryTypeInternal),
		"FOO":            mocks.Entry("bar", types.EntryTypeString),
	})

	require.NoError(t, c.SetBinaryDirectory(dir))

	settings, ok := nextEvent(t, c).(SettingsChangedEvent)
	require.True(t, ok)
	assert.Equal(t, src, settings.SourceDirectory)
	assert.Equal(t, dir, settings.BinaryDirectory)
	assert.Equal(t, "Unix Makefiles", settings.Generator)

	props, ok := nextEvent(t, c).(PropertiesChangedEvent)
	require.True(t, ok)
	assert.Equal(t, []string{"FOO"}, props.Properties.Keys())
	assert.Empty(t, props.OperationID)

	status := c.Status()
	assert.Equal(t, src, status.SourceDirectory)
	assert.Equal(t, "Unix Makefiles", status.Generator)

	// unchanged path does nothing
	require.NoError(t, c.SetBinaryDirectory(dir+"/"))
	assert.Empty(t, closeAndDrain(t, c))
}

func TestSetBinaryDirectory_LoadFailure(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("1", types.EntryTypeBool),
	})

	engine.SetLoadError(errors.New("permission denied"))
	err := c.SetBinaryDirectory(t.TempDir())

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "load", ioErr.Op)
	assert.Equal(t, dir, c.Status().BinaryDirectory)
	assert.Equal(t, []string{"A"}, c.Properties().Keys())
}

func TestReloadCache_PicksUpExternalChanges(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("1", types.EntryTypeBool),
	})

	engine.SeedCache(dir, map[string]mocks.FakeEntry{
		"A": mocks.Entry("0", types.EntryTypeBool),
		"C": mocks.Entry("new", types.EntryTypeString),
	})
	require.NoError(t, c.ReloadCache())

	ev, ok := nextEvent(t, c).(PropertiesChangedEvent)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "C"}, ev.Properties.Keys())
	assert.False(t, ev.Properties["A"].Value.Bool())

	engine.SetLoadError(errors.New("gone"))
	var ioErr *IOError
	require.True(t, errors.As(c.ReloadCache(), &ioErr))
	assert.Equal(t, "load", ioErr.Op)
	assert.Equal(t, []string{"A", "C"}, c.Properties().Keys())
}

func TestDeleteCache(t *testing.T) {
	c, engine := newTestController(t)
	dir := withBuildDir(t, c, engine, map[string]mocks.FakeEntry{
		"A": mocks.Entry("1", types.EntryTypeBool),
	})

	require.NoError(t, c.Configure())
	untilDone(t, c)
	require.True(t, c.Status().Configured)

	require.NoError(t, c.DeleteCache())
	_, exists := engine.DiskCache(dir)
	assert.False(t, exists)
	assert.Empty(t, c.Properties())
	assert.False(t, c.Status().Configured)

	ev, ok := nextEvent(t, c).(PropertiesChangedEvent)
	require.True(t, ok)
	assert.Empty(t, ev.Properties)

	engine.SetDeleteError(errors.New("busy"))
	var ioErr *IOError
	require.True(t, errors.As(c.DeleteCache(), &ioErr))
	assert.Equal(t, "delete", ioErr.Op)
}

func TestController_RecordsHistoryAndNotifies(t *testing.T) {
	history := mocks.NewMockHistoryRecorder()
	notifier := mocks.NewMockNotifier()
	c, engine := newTestController(t, WithHistory(history), WithNotifier(notifier))
	dir := withBuildDir(t, c, engine, nil)
	require.NoError(t, c.SetGenerator("Ninja"))
	nextEvent(t, c)

	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int { return 4 })
	require.NoError(t, c.Configure())
	_, done := untilDone(t, c)

	records := history.Records()
	require.Len(t, records, 1)
	rec := records[0]
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, done.OperationID, rec.ID)
	assert.Equal(t, interfaces.OperationConfigure, rec.Operation)
	assert.Equal(t, 4, rec.ExitCode)
	assert.Equal(t, dir, rec.Binary)
	assert.Equal(t, "Ninja", rec.Generator)
	assert.False(t, rec.Start.IsZero())
	assert.False(t, rec.Succeeded())

	assert.Equal(t, []interfaces.Operation{interfaces.OperationConfigure}, notifier.Starts())
	require.Len(t, notifier.Dones(), 1)
	assert.Equal(t, 4, notifier.Dones()[0].ExitCode)
}

func TestController_HistoryFailureIsNotFatal(t *testing.T) {
	history := mocks.NewMockHistoryRecorder()
	history.SetError(errors.New("db locked"))
	c, engine := newTestController(t, WithHistory(history))
	withBuildDir(t, c, engine, nil)

	require.NoError(t, c.Configure())
	_, done := untilDone(t, c)
	assert.Equal(t, 0, done.ExitCode)
}

func TestController_Generators(t *testing.T) {
	c, _ := newTestController(t)

	got, err := c.Generators()
	require.NoError(t, err)
	assert.Equal(t, []string{"Ninja", "Unix Makefiles"}, got)

	got[0] = "mutated"
	again, err := c.Generators()
	require.NoError(t, err)
	assert.Equal(t, "Ninja", again[0])
}

func TestController_Close(t *testing.T) {
	c, engine := newTestController(t)
	withBuildDir(t, c, engine, nil)

	engine.SetConfigureFunc(func(e *mocks.FakeEngine, cb interfaces.Callbacks) int {
		for !cb.InterruptPoll() {
			time.Sleep(time.Millisecond)
		}
		return 1
	})
	require.NoError(t, c.Configure())

	rest := closeAndDrain(t, c)
	require.NotEmpty(t, rest)
	done, ok := rest[len(rest)-1].(OperationDoneEvent)
	require.True(t, ok, "running operation still reports completion")
	assert.Equal(t, 1, done.ExitCode)

	assert.ErrorIs(t, c.Close(), ErrClosed)
	assert.ErrorIs(t, c.Configure(), ErrClosed)
	assert.ErrorIs(t, c.SetProperties(types.NewPropertySet()), ErrClosed)
	_, err := c.Generators()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestController_NilFactory(t *testing.T) {
	c := New(nil)
	defer c.Close()

	err := c.SetBinaryDirectory(t.TempDir())
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.ErrorIs(t, err, worker.ErrNoEngine)
}
