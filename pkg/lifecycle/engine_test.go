package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LGUG2Z/wpm/pkg/events"
	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/proc"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/store"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
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
	engine    *Engine
	broker    *events.Broker
	unitsDir  string
	workDir   string
	restartCh chan string
}

func newFixture(t *testing.T, units map[string]string) *fixture {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("lifecycle tests drive posix shells")
	}

	initTestLogger()

	unitsDir := t.TempDir()
	for name, doc := range units {
		require.NoError(t, os.WriteFile(filepath.Join(unitsDir, name+".json"), []byte(doc), 0o644))
	}

	reg := registry.New()
	_, err := reg.LoadAll(unitsDir)
	require.NoError(t, err)

	storeRoot := t.TempDir()
	resourceStore, err := store.New(store.Config{
		StoreDir: storeRoot,
		PkgDir:   filepath.Join(storeRoot, "pkg"),
		Home:     t.TempDir(),
		Fetch: func(ctx context.Context, url string) ([]byte, error) {
			return []byte("resource for " + url), nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { resourceStore.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	restartCh := make(chan string, 16)

	f := &fixture{
		t:         t,
		registry:  reg,
		broker:    broker,
		unitsDir:  unitsDir,
		workDir:   t.TempDir(),
		restartCh: restartCh,
	}

	f.engine = New(Config{
		Registry: reg,
		Resolver: resourceStore,
		Broker:   broker,
		Home:     f.workDir,
		LogDir:   t.TempDir(),
		Grace:    2 * time.Second,
		OnRestartRequest: func(name string) {
			restartCh <- name
		},
	})

	return f
}

// serveRestarts re-enters the engine for every restart request, the way the
// scheduler does in the daemon.
func (f *fixture) serveRestarts() {
	done := make(chan struct{})
	f.t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case name := <-f.restartCh:
				go f.engine.Start(context.Background(), name)
			case <-done:
				return
			}
		}
	}()
}

func (f *fixture) state(name string) unit.State {
	handle, err := f.registry.Lookup(name)
	require.NoError(f.t, err)
	return handle.Snapshot().State
}

func (f *fixture) waitForState(name string, want unit.State, timeout time.Duration) {
	f.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.state(name) == want {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	f.t.Fatalf("%s never reached %s (currently %s)", name, want, f.state(name))
}

func (f *fixture) countLines(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	return len(strings.Split(strings.TrimRight(string(raw), "\n"), "\n"))
}

func shellUnit(script string, extra string) string {
	doc := fmt.Sprintf(`{
  "Unit": {"Name": "UNSET"},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", %q]
    },
    "Healthcheck": {"Process": {"DelaySec": 0}}%s
  }
}`, script, extra)
	return doc
}

func namedShellUnit(name string, script string, extra string) string {
	return strings.Replace(shellUnit(script, extra), "UNSET", name, 1)
}

func TestStartSimpleUnitRuns(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": namedShellUnit("svc", "sleep 60", ""),
	})

	require.NoError(t, f.engine.Start(context.Background(), "svc"))

	handle, err := f.registry.Lookup("svc")
	require.NoError(t, err)

	record := handle.Snapshot()
	assert.Equal(t, unit.StateRunning, record.State)
	assert.Positive(t, record.Pid)
	assert.True(t, proc.Alive(record.Pid))
	assert.NotEmpty(t, record.LogPath)

	require.NoError(t, f.engine.Stop(context.Background(), "svc"))

	record = handle.Snapshot()
	assert.Equal(t, unit.StateStopped, record.State)
	assert.Zero(t, record.Pid)
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawns")
	script := fmt.Sprintf("echo spawned >> %q; sleep 60", marker)

	f := newFixture(t, map[string]string{
		"svc": namedShellUnit("svc", script, ""),
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.Start(context.Background(), "svc")
		}()
	}

	wg.Wait()
	f.waitForState("svc", unit.StateRunning, 5*time.Second)

	assert.Equal(t, 1, f.countLines(marker))

	// redundant stops are also coalesced
	var stopWg sync.WaitGroup
	for range 4 {
		stopWg.Add(1)
		go func() {
			defer stopWg.Done()
			f.engine.Stop(context.Background(), "svc")
		}()
	}

	stopWg.Wait()
	assert.Equal(t, unit.StateStopped, f.state("svc"))
}

func TestOneShotCompletes(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	doc := fmt.Sprintf(`{
  "Unit": {"Name": "setup"},
  "Service": {
    "Kind": "OneShot",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "echo ran >> %s"]
    }
  }
}`, marker)

	f := newFixture(t, map[string]string{"setup": doc})

	require.NoError(t, f.engine.Start(context.Background(), "setup"))
	assert.Equal(t, unit.StateCompleted, f.state("setup"))
	assert.Equal(t, 1, f.countLines(marker))

	handle, err := f.registry.Lookup("setup")
	require.NoError(t, err)
	assert.False(t, handle.Snapshot().CompletionTime.IsZero())

	// starting a completed oneshot is a no-op, not a re-run
	require.NoError(t, f.engine.Start(context.Background(), "setup"))
	assert.Equal(t, unit.StateCompleted, f.state("setup"))
	assert.Equal(t, 1, f.countLines(marker))
}

func TestOneShotFailureRetriesWithinBudget(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	doc := fmt.Sprintf(`{
  "Unit": {"Name": "setup"},
  "Service": {
    "Kind": "OneShot",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "echo ran >> %s; exit 3"],
      "RetryLimit": 2
    }
  }
}`, marker)

	f := newFixture(t, map[string]string{"setup": doc})

	err := f.engine.Start(context.Background(), "setup")
	require.Error(t, err)

	var exit *wpmerror.UnexpectedExit
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.ExitCode)

	assert.Equal(t, unit.StateFailed, f.state("setup"))
	assert.Equal(t, 2, f.countLines(marker))
}

func TestPreHookFailureAbortsStart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawns")
	doc := fmt.Sprintf(`{
  "Unit": {"Name": "svc"},
  "Service": {
    "Kind": "Simple",
    "ExecStartPre": [
      {"Executable": {"Local": "/bin/sh"}, "Arguments": ["-c", "exit 1"]}
    ],
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "echo spawned >> %s; sleep 60"]
    },
    "Healthcheck": {"Process": {"DelaySec": 0}}
  }
}`, marker)

	f := newFixture(t, map[string]string{"svc": doc})

	err := f.engine.Start(context.Background(), "svc")
	require.Error(t, err)

	var hook *wpmerror.HookFailure
	require.ErrorAs(t, err, &hook)
	assert.Contains(t, hook.Hook, "ExecStartPre")
	assert.Equal(t, 1, hook.ExitCode)

	assert.Equal(t, unit.StateFailed, f.state("svc"))

	// the main process was never spawned
	assert.Equal(t, 0, f.countLines(marker))
}

func TestHealthcheckFailureKillsChild(t *testing.T) {
	doc := `{
  "Unit": {"Name": "svc"},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "sleep 60"],
      "RetryLimit": 1
    },
    "Healthcheck": {
      "Command": {"Executable": "/bin/false", "DelaySec": 0, "RetryLimit": 1}
    }
  }
}`

	f := newFixture(t, map[string]string{"svc": doc})

	err := f.engine.Start(context.Background(), "svc")
	require.Error(t, err)

	var failure *wpmerror.HealthcheckFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, unit.StateFailed, f.state("svc"))
}

func TestRestartOnFailureBudget(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawns")
	script := fmt.Sprintf("echo spawned >> %q; sleep 0.1; exit 1", marker)
	doc := fmt.Sprintf(`{
  "Unit": {"Name": "crasher"},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", %q],
      "RetryLimit": 2
    },
    "Healthcheck": {"Process": {"DelaySec": 0}},
    "Restart": "OnFailure",
    "RestartSec": 1
  }
}`, script)

	f := newFixture(t, map[string]string{"crasher": doc})
	f.serveRestarts()

	require.NoError(t, f.engine.Start(context.Background(), "crasher"))
	f.waitForState("crasher", unit.StateFailed, 20*time.Second)

	// the initial spawn plus two policy-driven restarts
	assert.Equal(t, 3, f.countLines(marker))

	handle, err := f.registry.Lookup("crasher")
	require.NoError(t, err)
	assert.Contains(t, handle.Snapshot().LastError, "exit code 1")
}

func TestRestartNeverLeavesFailed(t *testing.T) {
	doc := namedShellUnit("svc", "sleep 0.1; exit 5", "")

	f := newFixture(t, map[string]string{"svc": doc})
	f.serveRestarts()

	require.NoError(t, f.engine.Start(context.Background(), "svc"))
	f.waitForState("svc", unit.StateFailed, 10*time.Second)

	handle, err := f.registry.Lookup("svc")
	require.NoError(t, err)
	assert.Contains(t, handle.Snapshot().LastError, "exit code 5")
}

func TestRestartNeverCleanExitLeavesStopped(t *testing.T) {
	doc := namedShellUnit("svc", "sleep 0.1; exit 0", "")

	f := newFixture(t, map[string]string{"svc": doc})

	require.NoError(t, f.engine.Start(context.Background(), "svc"))
	f.waitForState("svc", unit.StateStopped, 10*time.Second)
}

func TestStopRunsHooksInOrder(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "order")
	doc := fmt.Sprintf(`{
  "Unit": {"Name": "svc"},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "sleep 60"]
    },
    "Healthcheck": {"Process": {"DelaySec": 0}},
    "ExecStop": [
      {"Executable": {"Local": "/bin/sh"}, "Arguments": ["-c", "echo stop >> %[1]s"]}
    ],
    "ExecStopPost": [
      {"Executable": {"Local": "/bin/sh"}, "Arguments": ["-c", "echo post >> %[1]s"]}
    ]
  }
}`, marker)

	f := newFixture(t, map[string]string{"svc": doc})

	require.NoError(t, f.engine.Start(context.Background(), "svc"))
	require.NoError(t, f.engine.Stop(context.Background(), "svc"))

	raw, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "stop\npost\n", string(raw))
}

func TestResetClearsFailure(t *testing.T) {
	doc := `{
  "Unit": {"Name": "svc"},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/nonexistent/binary"},
      "Arguments": [],
      "RetryLimit": 1
    }
  }
}`

	f := newFixture(t, map[string]string{"svc": doc})

	require.Error(t, f.engine.Start(context.Background(), "svc"))
	assert.Equal(t, unit.StateFailed, f.state("svc"))

	require.NoError(t, f.engine.Reset("svc"))
	assert.Equal(t, unit.StateStopped, f.state("svc"))

	handle, err := f.registry.Lookup("svc")
	require.NoError(t, err)
	assert.Empty(t, handle.Snapshot().LastError)
}

func TestEnvironmentMergeAndShadowing(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.out")

	envFile := filepath.Join(t.TempDir(), "service.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FROM_FILE=file\nSHADOWED=file\n"), 0o644))

	doc := fmt.Sprintf(`{
  "Unit": {"Name": "svc"},
  "Service": {
    "Kind": "OneShot",
    "EnvironmentFile": %q,
    "Environment": [
      {"Name": "FROM_SERVICE", "Value": "service"},
      {"Name": "SHADOWED", "Value": "service"}
    ],
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "echo $FROM_FILE $FROM_SERVICE $SHADOWED $FROM_COMMAND > %s"],
      "Environment": [
        {"Name": "FROM_COMMAND", "Value": "command"},
        {"Name": "SHADOWED", "Value": "command"}
      ]
    }
  }
}`, envFile, out)

	f := newFixture(t, map[string]string{"svc": doc})

	require.NoError(t, f.engine.Start(context.Background(), "svc"))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "file service command command\n", string(raw))
}

func TestResourceExpansionInArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.out")
	doc := fmt.Sprintf(`{
  "Unit": {"Name": "svc"},
  "Resources": {
    "CONFIG": "https://example.com/configs/app.json"
  },
  "Service": {
    "Kind": "OneShot",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "echo $1 > %s", "argv0", "{{ Resources.CONFIG }}"]
    }
  }
}`, out)

	f := newFixture(t, map[string]string{"svc": doc})

	require.NoError(t, f.engine.Start(context.Background(), "svc"))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	resolved := strings.TrimSpace(string(raw))
	assert.Equal(t, "app.json", filepath.Base(resolved))

	body, err := os.ReadFile(resolved)
	require.NoError(t, err)
	assert.Equal(t, "resource for https://example.com/configs/app.json", string(body))
}

func TestUnknownResourceKeyFailsStart(t *testing.T) {
	doc := `{
  "Unit": {"Name": "svc"},
  "Service": {
    "Kind": "Simple",
    "ExecStart": {
      "Executable": {"Local": "/bin/sh"},
      "Arguments": ["-c", "{{ Resources.MISSING }}"]
    },
    "Healthcheck": {"Process": {"DelaySec": 0}}
  }
}`

	f := newFixture(t, map[string]string{"svc": doc})

	err := f.engine.Start(context.Background(), "svc")
	require.Error(t, err)

	var unknown *wpmerror.UnknownResourceKey
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "MISSING", unknown.Key)
	assert.Equal(t, unit.StateFailed, f.state("svc"))
}

func TestLogCapture(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc": namedShellUnit("svc", "echo out-line; echo err-line >&2; sleep 60", ""),
	})

	require.NoError(t, f.engine.Start(context.Background(), "svc"))

	handle, err := f.registry.Lookup("svc")
	require.NoError(t, err)
	logPath := handle.Snapshot().LogPath
	require.NotEmpty(t, logPath)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		raw, _ := os.ReadFile(logPath)
		if strings.Contains(string(raw), "out-line") && strings.Contains(string(raw), "err-line") {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "out-line")
	assert.Contains(t, string(raw), "err-line")

	require.NoError(t, f.engine.Stop(context.Background(), "svc"))
}
