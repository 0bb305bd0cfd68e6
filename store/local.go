package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// LocalDB is the per-node metadata database: running job metadata and
// published settings written by the pioreactor app, plus a small persistent
// key-value store (active calibrations).
type LocalDB struct {
	db *sqlx.DB
}

// OpenLocal opens the node's local metadata database. The job tables are
// created when absent so a fresh node serves empty results rather than
// erroring.
func OpenLocal(path string) (*LocalDB, error) {
	var db, err = sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening local metadata database at %s: %w", path, err)
	}
	var schema = `
	CREATE TABLE IF NOT EXISTS pio_job_metadata (
	    id                  INTEGER PRIMARY KEY,
	    job_name            TEXT NOT NULL,
	    experiment          TEXT,
	    job_source          TEXT,
	    pid                 INTEGER,
	    started_at          TEXT,
	    is_running          INTEGER NOT NULL DEFAULT 0,
	    is_long_running_job INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS pio_job_published_settings (
	    job_id  INTEGER NOT NULL,
	    setting TEXT NOT NULL,
	    value   TEXT,
	    FOREIGN KEY (job_id) REFERENCES pio_job_metadata (id)
	);
	CREATE TABLE IF NOT EXISTS kv (
	    namespace TEXT NOT NULL,
	    key       TEXT NOT NULL,
	    value     TEXT NOT NULL,
	    PRIMARY KEY (namespace, key)
	);`
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing local metadata database: %w", err)
	}
	return &LocalDB{db: db}, nil
}

func (l *LocalDB) Close() error { return l.db.Close() }

// RunningJob is a row of pio_job_metadata.
type RunningJob struct {
	ID               int64  `db:"id" json:"id"`
	JobName          string `db:"job_name" json:"job_name"`
	Experiment       string `db:"experiment" json:"experiment"`
	JobSource        string `db:"job_source" json:"job_source"`
	PID              int64  `db:"pid" json:"pid"`
	StartedAt        string `db:"started_at" json:"started_at"`
	IsRunning        int    `db:"is_running" json:"is_running"`
	IsLongRunningJob int    `db:"is_long_running_job" json:"is_long_running_job"`
}

func (l *LocalDB) RunningJobs() ([]RunningJob, error) {
	var out = []RunningJob{}
	var err = l.db.Select(&out, `SELECT * FROM pio_job_metadata WHERE is_running = 1`)
	return out, err
}

func (l *LocalDB) RunningJobsForExperiment(experiment string) ([]RunningJob, error) {
	var out = []RunningJob{}
	var err = l.db.Select(&out,
		`SELECT * FROM pio_job_metadata WHERE is_running = 1 AND experiment = ?`, experiment)
	return out, err
}

func (l *LocalDB) LongRunningJobs() ([]RunningJob, error) {
	var out = []RunningJob{}
	var err = l.db.Select(&out,
		`SELECT * FROM pio_job_metadata WHERE is_running = 1 AND is_long_running_job = 1`)
	return out, err
}

// JobSettings maps setting names to values for a running job.
func (l *LocalDB) JobSettings(jobName string) (map[string]string, error) {
	var rows = []struct {
		Setting string `db:"setting"`
		Value   string `db:"value"`
	}{}
	var err = l.db.Select(&rows,
		`SELECT s.setting, s.value
		 FROM pio_job_published_settings s
		 JOIN pio_job_metadata m ON m.id = s.job_id
		 WHERE m.is_running = 1 AND m.job_name = ?`, jobName)
	if err != nil {
		return nil, err
	}
	var out = make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Setting] = row.Value
	}
	return out, nil
}

// JobSetting returns one setting's value. ok is false when the job isn't
// running or doesn't publish the setting.
func (l *LocalDB) JobSetting(jobName, setting string) (string, bool, error) {
	var value string
	var err = l.db.Get(&value,
		`SELECT s.value
		 FROM pio_job_published_settings s
		 JOIN pio_job_metadata m ON m.id = s.job_id
		 WHERE m.is_running = 1 AND m.job_name = ? AND s.setting = ?`, jobName, setting)
	if IsNotFound(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// KVGet reads a key from the persistent key-value store.
func (l *LocalDB) KVGet(namespace, key string) (string, bool, error) {
	var value string
	var err = l.db.Get(&value,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if IsNotFound(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// KVSet upserts a key in the persistent key-value store.
func (l *LocalDB) KVSet(namespace, key, value string) error {
	var _, err = l.db.Exec(
		`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	return err
}

// KVDelete removes a key. It reports false when the key was absent.
func (l *LocalDB) KVDelete(namespace, key string) (bool, error) {
	var result, err = l.db.Exec(
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, err
	}
	var n, _ = result.RowsAffected()
	return n > 0, nil
}
