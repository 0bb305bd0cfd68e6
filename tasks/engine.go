// Package tasks is the durable background task engine. Long-running shell
// work and cluster fan-outs are enqueued here rather than run inside HTTP
// handlers; tasks survive a process restart and named locks serialize
// update, plugin, and export operations.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// Task states. A queued task whose lock is held reports StateLocked until
// the lock frees; it is otherwise equivalent to StatePending.
const (
	StatePending  = "pending"
	StateRunning  = "running"
	StateComplete = "complete"
	StateFailed   = "failed"
	StateLocked   = "locked"
)

// Named locks. At most one task registered under a lock runs at a time.
const (
	UpdateLock     = "update-lock"
	PluginsLock    = "plugins-lock"
	ExportDataLock = "export-data-lock"
)

// executorSlots is the number of tasks which may run concurrently. Fan-outs
// occupy a slot while they wait, so this must stay comfortably above one.
const executorSlots = 4

var taskExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pioreactorui_task_executions_total",
	Help: "Background task executions by kind and outcome.",
}, []string{"kind", "outcome"})

// Handler executes one task kind. The returned value is JSON-marshaled and
// stored as the task's result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Options configure a task kind at registration.
type Options struct {
	// Priority orders ready tasks; higher runs first. Ties run FIFO.
	Priority int
	// Lock names an advisory lock serializing this kind with every other
	// kind sharing the name.
	Lock string
}

type registration struct {
	handler Handler
	opts    Options
}

// Engine is the SQLite-backed task queue and its executor pool.
type Engine struct {
	db    *sqlx.DB
	kinds map[string]registration
	wake  chan struct{}
}

// Open opens (and initializes) the task queue database at path. Tasks left
// running by a previous process are re-queued.
func Open(path string) (*Engine, error) {
	var db, err = sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening task database at %s: %w", path, err)
	}
	var schema = `
	CREATE TABLE IF NOT EXISTS tasks (
	    id         TEXT PRIMARY KEY,
	    kind       TEXT NOT NULL,
	    payload    TEXT,
	    priority   INTEGER NOT NULL DEFAULT 0,
	    lock_name  TEXT NOT NULL DEFAULT '',
	    state      TEXT NOT NULL DEFAULT 'pending',
	    result     TEXT,
	    error      TEXT,
	    created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS tasks_ready_ix ON tasks (state, priority DESC);`
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing task database: %w", err)
	}
	if _, err = db.Exec(`UPDATE tasks SET state = ? WHERE state IN (?, ?)`,
		StatePending, StateRunning, StateLocked); err != nil {
		db.Close()
		return nil, err
	}
	log.WithField("path", path).Info("task engine ready")

	return &Engine{
		db:    db,
		kinds: make(map[string]registration),
		wake:  make(chan struct{}, 1),
	}, nil
}

func (e *Engine) Close() error { return e.db.Close() }

// Register binds a kind to its handler. Kinds must be registered before
// Start so queued tasks from a previous run can resume.
func (e *Engine) Register(kind string, opts Options, handler Handler) {
	e.kinds[kind] = registration{handler: handler, opts: opts}
}

// Task is a handle to an enqueued task.
type Task struct {
	ID     string
	engine *Engine
}

// Enqueue persists a task and wakes the dispatcher. payload is marshaled to
// JSON; a nil payload is allowed for argument-free kinds.
func (e *Engine) Enqueue(kind string, payload any) (*Task, error) {
	var reg, ok = e.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encoding payload of %s: %w", kind, err)
		}
	}
	var id = uuid.NewString()
	var _, err = e.db.Exec(
		`INSERT INTO tasks (id, kind, payload, priority, lock_name, state, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, kind, string(encoded), reg.opts.Priority, reg.opts.Lock, StatePending,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return &Task{ID: id, engine: e}, nil
}

// Status is the polled view of a task.
type Status struct {
	State  string
	Result json.RawMessage
	Error  string
}

// Status returns the task's current state. found is false for unknown ids.
func (e *Engine) Status(id string) (Status, bool, error) {
	var row struct {
		State  string  `db:"state"`
		Result *string `db:"result"`
		Error  *string `db:"error"`
	}
	var err = e.db.Get(&row, `SELECT state, result, error FROM tasks WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Status{}, false, nil
		}
		return Status{}, false, err
	}
	var status = Status{State: row.State}
	if row.Result != nil {
		status.Result = json.RawMessage(*row.Result)
	}
	if row.Error != nil {
		status.Error = *row.Error
	}
	return status, true, nil
}

// ErrTimedOut marks a Wait that outlived its timeout.
var ErrTimedOut = fmt.Errorf("timed out")

// Wait polls until the task reaches a terminal state. It returns the result
// on completion, the task's error on failure, and ErrTimedOut when the
// timeout elapses first.
func (t *Task) Wait(timeout time.Duration) (json.RawMessage, error) {
	var deadline = time.Now().Add(timeout)
	for {
		var status, found, err = t.engine.Status(t.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("task %s not found", t.ID)
		}
		switch status.State {
		case StateComplete:
			return status.Result, nil
		case StateFailed:
			return nil, fmt.Errorf("%s", status.Error)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimedOut
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Start runs the dispatcher until ctx is done. Executors run in their own
// goroutines, bounded by executorSlots.
func (e *Engine) Start(ctx context.Context) {
	var slots = make(chan struct{}, executorSlots)
	var held = make(map[string]bool)
	var release = make(chan string, executorSlots)

	var ticker = time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var free = func(lock string) {
		if lock != "" {
			delete(held, lock)
		}
		<-slots
	}

	for {
		// Drain finished locks before claiming.
		for {
			select {
			case lock := <-release:
				free(lock)
				continue
			default:
			}
			break
		}

		// Reserve the executor slot before claiming, so a claimed task is
		// never left waiting on a full pool. Releases must still drain
		// here, since no other goroutine receives them.
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		case lock := <-release:
			free(lock)
			continue
		}

		var claimed = e.claim(held)
		if claimed == nil {
			<-slots
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
			case <-ticker.C:
			case lock := <-release:
				free(lock)
			}
			continue
		}

		if claimed.lock != "" {
			held[claimed.lock] = true
		}
		go func(c *claimedTask) {
			e.execute(ctx, c)
			release <- c.lock
		}(claimed)
	}
}

type claimedTask struct {
	id      string
	kind    string
	payload json.RawMessage
	lock    string
}

// claim atomically moves the highest-priority ready task to running,
// skipping tasks whose lock is held. Blocked tasks are surfaced as locked.
func (e *Engine) claim(held map[string]bool) *claimedTask {
	var rows = []struct {
		ID       string  `db:"id"`
		Kind     string  `db:"kind"`
		Payload  *string `db:"payload"`
		LockName string  `db:"lock_name"`
	}{}
	var err = e.db.Select(&rows,
		`SELECT id, kind, payload, lock_name FROM tasks
		 WHERE state IN (?, ?) ORDER BY priority DESC, rowid ASC`,
		StatePending, StateLocked)
	if err != nil {
		log.WithField("err", err).Error("claiming next task")
		return nil
	}

	for _, row := range rows {
		if row.LockName != "" && held[row.LockName] {
			e.db.Exec(`UPDATE tasks SET state = ? WHERE id = ? AND state = ?`,
				StateLocked, row.ID, StatePending)
			continue
		}
		if _, ok := e.kinds[row.Kind]; !ok {
			e.db.Exec(`UPDATE tasks SET state = ?, error = ? WHERE id = ?`,
				StateFailed, fmt.Sprintf("unknown task kind %q", row.Kind), row.ID)
			continue
		}
		e.db.Exec(`UPDATE tasks SET state = ? WHERE id = ?`, StateRunning, row.ID)
		var claimed = &claimedTask{id: row.ID, kind: row.Kind, lock: row.LockName}
		if row.Payload != nil {
			claimed.payload = json.RawMessage(*row.Payload)
		}
		return claimed
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, c *claimedTask) {
	var reg = e.kinds[c.kind]
	var result, err = reg.handler(ctx, c.payload)
	if err != nil {
		taskExecutions.WithLabelValues(c.kind, "failed").Inc()
		log.WithFields(log.Fields{"kind": c.kind, "id": c.id, "err": err}).Error("task failed")
		e.db.Exec(`UPDATE tasks SET state = ?, error = ? WHERE id = ?`, StateFailed, err.Error(), c.id)
		return
	}
	var encoded, marshalErr = json.Marshal(result)
	if marshalErr != nil {
		taskExecutions.WithLabelValues(c.kind, "failed").Inc()
		e.db.Exec(`UPDATE tasks SET state = ?, error = ? WHERE id = ?`, StateFailed, marshalErr.Error(), c.id)
		return
	}
	taskExecutions.WithLabelValues(c.kind, "complete").Inc()
	e.db.Exec(`UPDATE tasks SET state = ?, result = ? WHERE id = ?`, StateComplete, string(encoded), c.id)

	select {
	case e.wake <- struct{}{}:
	default:
	}
}
