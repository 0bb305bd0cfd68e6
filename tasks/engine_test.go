package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "tasks.sqlite")
	var e, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, path
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Start(ctx)
}

func TestEnqueueAndWait(t *testing.T) {
	var e, _ = testEngine(t)
	e.Register("echo", Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return json.RawMessage(payload), nil
	})
	startEngine(t, e)

	var task, err = e.Enqueue("echo", map[string]string{"hello": "world"})
	require.NoError(t, err)

	result, err := task.Wait(5 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(result))
}

func TestEnqueueUnknownKind(t *testing.T) {
	var e, _ = testEngine(t)
	var _, err = e.Enqueue("nope", nil)
	require.Error(t, err)
}

func TestFailedTaskSurfacesError(t *testing.T) {
	var e, _ = testEngine(t)
	e.Register("boom", Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, fmt.Errorf("it broke")
	})
	startEngine(t, e)

	var task, err = e.Enqueue("boom", nil)
	require.NoError(t, err)

	_, err = task.Wait(5 * time.Second)
	require.EqualError(t, err, "it broke")

	status, found, err := e.Status(task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateFailed, status.State)
	require.Equal(t, "it broke", status.Error)
}

func TestPriorityOrdering(t *testing.T) {
	var e, _ = testEngine(t)
	var order = make(chan string, 3)
	var record = func(name string) Handler {
		return func(ctx context.Context, payload json.RawMessage) (any, error) {
			order <- name
			return true, nil
		}
	}
	// A shared lock serializes execution so completion order is claim order.
	e.Register("low-a", Options{Priority: 0, Lock: "serialize"}, record("low-a"))
	e.Register("low-b", Options{Priority: 0, Lock: "serialize"}, record("low-b"))
	e.Register("high", Options{Priority: 10, Lock: "serialize"}, record("high"))

	// Enqueue before starting so the dispatcher sees all three at once.
	var _, err = e.Enqueue("low-a", nil)
	require.NoError(t, err)
	_, err = e.Enqueue("low-b", nil)
	require.NoError(t, err)
	high, err := e.Enqueue("high", nil)
	require.NoError(t, err)

	startEngine(t, e)
	_, err = high.Wait(5 * time.Second)
	require.NoError(t, err)

	require.Equal(t, "high", <-order)
	// Equal priorities run in enqueue order.
	require.Equal(t, "low-a", <-order)
	require.Equal(t, "low-b", <-order)
}

func TestNamedLockMutualExclusion(t *testing.T) {
	var e, _ = testEngine(t)
	var entered = make(chan struct{})
	var release = make(chan struct{})
	e.Register("first", Options{Lock: UpdateLock}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		close(entered)
		<-release
		return true, nil
	})
	e.Register("second", Options{Lock: UpdateLock}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return true, nil
	})
	e.Register("unlocked", Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return true, nil
	})
	startEngine(t, e)

	var first, err = e.Enqueue("first", nil)
	require.NoError(t, err)
	<-entered
	second, err := e.Enqueue("second", nil)
	require.NoError(t, err)
	unlocked, err := e.Enqueue("unlocked", nil)
	require.NoError(t, err)

	// An unrelated task is not held up by the lock.
	_, err = unlocked.Wait(5 * time.Second)
	require.NoError(t, err)

	// The second lock holder is queued, not failed.
	require.Eventually(t, func() bool {
		var status, found, err = e.Status(second.ID)
		require.NoError(t, err)
		return found && status.State == StateLocked
	}, 5*time.Second, 20*time.Millisecond)

	close(release)
	_, err = first.Wait(5 * time.Second)
	require.NoError(t, err)
	_, err = second.Wait(5 * time.Second)
	require.NoError(t, err)
}

func TestDispatcherSurvivesSlotSaturation(t *testing.T) {
	var e, _ = testEngine(t)
	var started = make(chan struct{}, executorSlots+1)
	var gate = make(chan struct{})
	e.Register("hold", Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		started <- struct{}{}
		<-gate
		return true, nil
	})
	e.Register("quick", Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return true, nil
	})
	startEngine(t, e)

	// One more holder than there are executor slots, so the dispatcher must
	// wait out a full pool with a claimed task in hand.
	for i := 0; i < executorSlots+1; i++ {
		var _, err = e.Enqueue("hold", nil)
		require.NoError(t, err)
	}
	for i := 0; i < executorSlots; i++ {
		<-started
	}
	close(gate)
	<-started

	var quick, err = e.Enqueue("quick", nil)
	require.NoError(t, err)
	_, err = quick.Wait(5 * time.Second)
	require.NoError(t, err)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "tasks.sqlite")
	var e, err = Open(path)
	require.NoError(t, err)
	e.Register("work", Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return "done", nil
	})

	// Enqueue without ever starting the dispatcher, then simulate a crash
	// mid-execution.
	task, err := e.Enqueue("work", nil)
	require.NoError(t, err)
	_, err = e.db.Exec(`UPDATE tasks SET state = ? WHERE id = ?`, StateRunning, task.ID)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// A new process picks the task back up.
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	reopened.Register("work", Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return "done", nil
	})
	startEngine(t, reopened)

	result, err := (&Task{ID: task.ID, engine: reopened}).Wait(5 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(result))
}

func TestStatusOfUnknownTask(t *testing.T) {
	var e, _ = testEngine(t)
	var _, found, err = e.Status("no-such-id")
	require.NoError(t, err)
	require.False(t, found)
}

func TestFilterEnv(t *testing.T) {
	var filtered = FilterEnv(map[string]string{
		"EXPERIMENT": "exp1",
		"JOB_SOURCE": "user",
		"PATH":       "/usr/bin",
		"LD_PRELOAD": "evil.so",
	})
	require.Equal(t, map[string]string{"EXPERIMENT": "exp1", "JOB_SOURCE": "user"}, filtered)
}
