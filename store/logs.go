package store

import "strings"

// Log is one event log row. The universal experiment sentinel marks rows
// which apply to every experiment; the universal identifier marks rows from
// the whole cluster.
type Log struct {
	Timestamp      string `db:"timestamp" json:"timestamp"`
	Level          string `db:"level" json:"level"`
	PioreactorUnit string `db:"pioreactor_unit" json:"pioreactor_unit"`
	Message        string `db:"message" json:"message"`
	Task           string `db:"task" json:"task"`
	Experiment     string `db:"experiment" json:"experiment"`
}

const logPageSize = 50

// levelFilter expands a minimum level into the matching level set.
func levelFilter(minLevel string) string {
	var levels = map[string][]string{
		"DEBUG":   {"ERROR", "WARNING", "NOTICE", "INFO", "DEBUG"},
		"INFO":    {"ERROR", "NOTICE", "INFO", "WARNING"},
		"WARNING": {"ERROR", "WARNING"},
		"ERROR":   {"ERROR"},
	}
	var selected, ok = levels[minLevel]
	if !ok {
		selected = levels["INFO"]
	}
	var clauses = make([]string, len(selected))
	for i, level := range selected {
		clauses[i] = `level = '` + level + `'`
	}
	return strings.Join(clauses, " OR ")
}

// InsertLog appends an event log row.
func (s *Store) InsertLog(l Log) error {
	var _, err = s.Modify(
		`INSERT INTO logs (timestamp, level, pioreactor_unit, message, task, experiment) VALUES (?, ?, ?, ?, ?, ?)`,
		l.Timestamp, l.Level, l.PioreactorUnit, l.Message, l.Task, l.Experiment)
	return err
}

// RecentLogs lists the latest logs of an experiment, bounded to the last
// 24 hours or the experiment's creation, whichever is later.
func (s *Store) RecentLogs(experiment, universalExperiment, minLevel string) ([]Log, error) {
	var out = []Log{}
	var err = s.queryRows(&out,
		`SELECT l.timestamp, level, l.pioreactor_unit, message, task, l.experiment
		 FROM logs AS l
		 WHERE (l.experiment = ? OR l.experiment = ?)
		   AND (`+levelFilter(minLevel)+`)
		   AND l.timestamp >= MAX(STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW', '-24 hours'),
		                          (SELECT created_at FROM experiments WHERE experiment = ?))
		 ORDER BY l.timestamp DESC LIMIT ?`,
		experiment, universalExperiment, experiment, logPageSize)
	return out, err
}

// RecentLogsForUnit is RecentLogs narrowed to one worker (plus cluster-wide
// rows).
func (s *Store) RecentLogsForUnit(experiment, universalExperiment, unit, universalIdentifier, minLevel string) ([]Log, error) {
	var out = []Log{}
	var err = s.queryRows(&out,
		`SELECT l.timestamp, level, l.pioreactor_unit, message, task, l.experiment
		 FROM logs AS l
		 WHERE (l.experiment = ? OR l.experiment = ?)
		   AND (l.pioreactor_unit = ? OR l.pioreactor_unit = ?)
		   AND (`+levelFilter(minLevel)+`)
		   AND l.timestamp >= MAX(STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW', '-24 hours'),
		                          (SELECT created_at FROM experiments WHERE experiment = ?))
		 ORDER BY l.timestamp DESC LIMIT ?`,
		experiment, universalExperiment, unit, universalIdentifier, experiment, logPageSize)
	return out, err
}

// ExperimentLogs pages through an experiment's logs, scoped through the
// assignment history so rows from a worker's other experiments are excluded.
func (s *Store) ExperimentLogs(experiment, universalExperiment string, skip int) ([]Log, error) {
	var out = []Log{}
	var err = s.queryRows(&out,
		`SELECT l.timestamp, level, l.pioreactor_unit, message, task, l.experiment
		 FROM logs AS l
		 JOIN experiment_worker_assignments_history h
		   ON h.pioreactor_unit = l.pioreactor_unit
		  AND h.assigned_at <= l.timestamp
		  AND l.timestamp <= coalesce(h.unassigned_at, STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW'))
		 WHERE (l.experiment = ? OR l.experiment = ?)
		 ORDER BY l.timestamp DESC LIMIT ? OFFSET ?`,
		experiment, universalExperiment, logPageSize, skip)
	return out, err
}

// ExperimentLogsForUnit is ExperimentLogs narrowed to one worker.
func (s *Store) ExperimentLogsForUnit(experiment, universalExperiment, unit, universalIdentifier string, skip int) ([]Log, error) {
	var out = []Log{}
	var err = s.queryRows(&out,
		`SELECT l.timestamp, level, l.pioreactor_unit, message, task, l.experiment
		 FROM logs AS l
		 JOIN experiment_worker_assignments_history h
		   ON h.pioreactor_unit = l.pioreactor_unit
		  AND h.assigned_at <= l.timestamp
		  AND l.timestamp <= coalesce(h.unassigned_at, STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW'))
		 WHERE (l.experiment = ? OR l.experiment = ?)
		   AND (l.pioreactor_unit = ? OR l.pioreactor_unit = ?)
		 ORDER BY l.timestamp DESC LIMIT ? OFFSET ?`,
		experiment, universalExperiment, unit, universalIdentifier, logPageSize, skip)
	return out, err
}

// AllLogs pages through every log row.
func (s *Store) AllLogs(skip int) ([]Log, error) {
	var out = []Log{}
	var err = s.queryRows(&out,
		`SELECT timestamp, level, pioreactor_unit, message, task, experiment
		 FROM logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, logPageSize, skip)
	return out, err
}

// UnitLogs pages through one worker's log rows.
func (s *Store) UnitLogs(unit, universalIdentifier string, skip int) ([]Log, error) {
	var out = []Log{}
	var err = s.queryRows(&out,
		`SELECT timestamp, level, pioreactor_unit, message, task, experiment
		 FROM logs WHERE pioreactor_unit = ? OR pioreactor_unit = ?
		 ORDER BY timestamp DESC LIMIT ? OFFSET ?`, unit, universalIdentifier, logPageSize, skip)
	return out, err
}
