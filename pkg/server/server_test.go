package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LGUG2Z/wpm/pkg/client"
	"github.com/LGUG2Z/wpm/pkg/events"
	"github.com/LGUG2Z/wpm/pkg/ipc"
	"github.com/LGUG2Z/wpm/pkg/lifecycle"
	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/scheduler"
	"github.com/LGUG2Z/wpm/pkg/store"
	"github.com/LGUG2Z/wpm/pkg/unit"
)

var logOnce sync.Once

func initTestLogger() {
	logOnce.Do(func() {
		log.Init(log.Config{Level: log.ErrorLevel, ConsoleOutput: io.Discard})
	})
}

type fixture struct {
	t         *testing.T
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	client    *client.Client
	unitsDir  string
	dataDir   string
	downloads *atomic.Int32
	shutdown  *atomic.Bool
}

func newFixture(t *testing.T, units map[string]string) *fixture {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("server tests use unix domain sockets")
	}

	initTestLogger()

	unitsDir := t.TempDir()
	for name, doc := range units {
		require.NoError(t, os.WriteFile(filepath.Join(unitsDir, name+".json"), []byte(doc), 0o644))
	}

	reg := registry.New()
	_, err := reg.LoadAll(unitsDir)
	require.NoError(t, err)

	var downloads atomic.Int32
	storeRoot := t.TempDir()
	resourceStore, err := store.New(store.Config{
		StoreDir: storeRoot,
		PkgDir:   filepath.Join(storeRoot, "pkg"),
		Home:     t.TempDir(),
		Fetch: func(ctx context.Context, url string) ([]byte, error) {
			downloads.Add(1)
			return []byte("payload"), nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { resourceStore.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	engine := lifecycle.New(lifecycle.Config{
		Registry: reg,
		Resolver: resourceStore,
		Broker:   broker,
		Home:     t.TempDir(),
		LogDir:   t.TempDir(),
		Grace:    2 * time.Second,
	})

	sched := scheduler.New(reg, engine)
	sched.Run()
	t.Cleanup(sched.Shutdown)

	dataDir := t.TempDir()
	var shutdown atomic.Bool

	srv := New(Config{
		Registry:      reg,
		Scheduler:     sched,
		Store:         resourceStore,
		Broker:        broker,
		UnitsDir:      unitsDir,
		DaemonLogPath: filepath.Join(dataDir, "wpmd.log"),
		Reload: func() error {
			_, err := reg.LoadAll(unitsDir)
			return err
		},
		Shutdown: func() { shutdown.Store(true) },
	})

	listener, err := ipc.Listen(dataDir)
	require.NoError(t, err)

	go srv.Serve(listener)
	t.Cleanup(srv.Stop)

	return &fixture{
		t:         t,
		registry:  reg,
		scheduler: sched,
		client:    client.New(dataDir),
		unitsDir:  unitsDir,
		dataDir:   dataDir,
		downloads: &downloads,
		shutdown:  &shutdown,
	}
}

func simpleUnit(name string, script string) string {
	return fmt.Sprintf(`{
  "Unit": {"Name": %q},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", %q]
    },
    "Healthcheck": {"Process": {"DelaySec": 0}}
  }
}`, name, script)
}

func TestStateOverSocket(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "sleep 60"),
	})

	response, err := f.client.State()
	require.NoError(t, err)
	require.Len(t, response.State, 1)
	assert.Equal(t, "svc", response.State[0].Name)
	assert.Equal(t, unit.StateStopped, response.State[0].State)
}

func TestStartStopStatusOverSocket(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "echo hello; sleep 60"),
	})

	require.NoError(t, f.client.Start([]string{"svc"}))

	response, err := f.client.Status("svc")
	require.NoError(t, err)
	require.NotNil(t, response.Status)
	assert.Equal(t, unit.StateRunning, response.Status.Status.State)
	assert.Positive(t, response.Status.Status.Pid)
	assert.NotEmpty(t, response.Status.Recent)

	require.NoError(t, f.client.Stop([]string{"svc"}))

	response, err = f.client.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, unit.StateStopped, response.Status.Status.State)
}

func TestStatusUnknownUnit(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "sleep 60"),
	})

	_, err := f.client.Status("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a registered unit")
}

func TestUnitsPathOverSocket(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "sleep 60"),
	})

	path, err := f.client.Units()
	require.NoError(t, err)
	assert.Equal(t, f.unitsDir, path)
}

func TestExampleGenOverSocket(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "sleep 60"),
	})

	dir := t.TempDir()
	require.NoError(t, f.client.ExampleGen(dir))

	paths, err := unit.DiscoverPaths(filepath.Join(dir, "json"))
	require.NoError(t, err)
	assert.NotEmpty(t, paths)
}

func TestRebuildOverSocket(t *testing.T) {
	doc := `{
  "Unit": {"Name": "svc"},
  "Resources": {"CONFIG": "https://example.com/a/config.json"},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "sleep 60"]
    },
    "Healthcheck": {"Process": {"DelaySec": 0}}
  }
}`

	f := newFixture(t, map[string]string{"svc": doc})

	require.NoError(t, f.client.Rebuild("svc"))
	first := f.downloads.Load()
	assert.Positive(t, first)

	// a second rebuild evicts the cache and fetches again
	require.NoError(t, f.client.Rebuild("svc"))
	assert.Greater(t, f.downloads.Load(), first)
}

func TestReloadOverSocket(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "sleep 60"),
	})

	require.NoError(t, os.WriteFile(
		filepath.Join(f.unitsDir, "extra.json"),
		[]byte(simpleUnit("extra", "sleep 60")),
		0o644,
	))

	require.NoError(t, f.client.Reload())

	response, err := f.client.State()
	require.NoError(t, err)
	assert.Len(t, response.State, 2)
}

func TestShutdownOverSocket(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "sleep 60"),
	})

	require.NoError(t, f.client.Shutdown())
	assert.True(t, f.shutdown.Load())
}

func TestLogStreamOverSocket(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": simpleUnit("svc", "while true; do echo tick; sleep 0.1; done"),
	})

	require.NoError(t, f.client.Start([]string{"svc"}))
	defer f.client.Stop([]string{"svc"})

	lines := make(chan string, 16)
	go f.client.Log("svc", func(line string) bool {
		select {
		case lines <- line:
		default:
		}

		return true
	})

	select {
	case line := <-lines:
		assert.Equal(t, "tick", line)
	case <-time.After(10 * time.Second):
		t.Fatal("no log lines streamed")
	}
}
