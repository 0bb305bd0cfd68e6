package store

import (
	"database/sql"
	"strings"
)

// Experiment is a named run grouping workers, labels, logs, and time-series.
type Experiment struct {
	Experiment   string         `db:"experiment" json:"experiment"`
	CreatedAt    string         `db:"created_at" json:"created_at"`
	Description  sql.NullString `db:"description" json:"description"`
	MediaUsed    sql.NullString `db:"media_used" json:"media_used,omitempty"`
	OrganismUsed sql.NullString `db:"organism_used" json:"organism_used,omitempty"`
	DeltaHours   float64        `db:"delta_hours" json:"delta_hours"`
}

// Characters which can't appear in experiment names: they're meaningful to
// MQTT topics, URLs, or the filesystem.
const forbiddenNameChars = `#+$/%\`

// ValidateExperimentName rejects names which would break topic routing,
// URLs, or downstream jobs. It returns a user-facing reason, or "".
func ValidateExperimentName(name string) string {
	switch {
	case name == "":
		return "experiment name cannot be empty"
	case len(name) >= 200:
		return "experiment name is too long"
	case strings.EqualFold(name, "current"):
		return `experiment name cannot be the reserved word "current"`
	case strings.HasPrefix(name, "_testing_"):
		return `experiment name cannot start with "_testing_"`
	case strings.ContainsAny(name, forbiddenNameChars):
		return `experiment name cannot contain # + $ / % \`
	}
	return ""
}

// CreateExperiment inserts a new experiment row. It reports false when the
// name already exists.
func (s *Store) CreateExperiment(name, description, mediaUsed, organismUsed string) (bool, error) {
	var n, err = s.Modify(
		`INSERT INTO experiments (created_at, experiment, description, media_used, organism_used) VALUES (?, ?, ?, ?, ?)`,
		CurrentUTCTimestamp(), name, description, mediaUsed, organismUsed)
	return n > 0, err
}

func (s *Store) ListExperiments() ([]Experiment, error) {
	var out = []Experiment{}
	var err = s.queryRows(&out,
		`SELECT experiment, created_at, description,
		        round((strftime('%s','now') - strftime('%s', created_at)) / 60.0 / 60.0, 0) AS delta_hours
		 FROM experiments ORDER BY created_at DESC`)
	return out, err
}

// GetExperiment returns nil when the experiment doesn't exist.
func (s *Store) GetExperiment(name string) (*Experiment, error) {
	var out Experiment
	var err = s.queryRow(&out,
		`SELECT experiment, created_at, description,
		        round((strftime('%s','now') - strftime('%s', created_at)) / 60.0 / 60.0, 0) AS delta_hours
		 FROM experiments WHERE experiment = ?`, name)
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestExperiment returns the most recently created experiment, or nil.
func (s *Store) LatestExperiment() (*Experiment, error) {
	var out Experiment
	var err = s.queryRow(&out,
		`SELECT experiment, created_at, description, media_used, organism_used, delta_hours FROM latest_experiment`)
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateExperimentDescription reports false when the experiment is missing.
func (s *Store) UpdateExperimentDescription(name, description string) (bool, error) {
	var n, err = s.Modify(`UPDATE experiments SET description = ? WHERE experiment = ?`, description, name)
	return n > 0, err
}

// DeleteExperiment cascades to assignments and labels via foreign keys.
// It reports false when the experiment is missing.
func (s *Store) DeleteExperiment(name string) (bool, error) {
	// Close out the assignment history edges before the cascade removes the rows.
	if _, err := s.Modify(
		`UPDATE experiment_worker_assignments_history SET unassigned_at = ? WHERE experiment = ? AND unassigned_at IS NULL`,
		CurrentUTCTimestamp(), name); err != nil {
		return false, err
	}
	var n, err = s.Modify(`DELETE FROM experiments WHERE experiment = ?`, name)
	return n > 0, err
}

// HistoricalOrganisms lists distinct organisms across experiments.
func (s *Store) HistoricalOrganisms() ([]string, error) {
	var out = []string{}
	var err = s.queryRows(&out,
		`SELECT DISTINCT organism_used FROM experiments
		 WHERE NOT (organism_used IS NULL OR organism_used = '') ORDER BY created_at DESC`)
	return out, err
}

// HistoricalMedia lists distinct media across experiments.
func (s *Store) HistoricalMedia() ([]string, error) {
	var out = []string{}
	var err = s.queryRows(&out,
		`SELECT DISTINCT media_used FROM experiments
		 WHERE NOT (media_used IS NULL OR media_used = '') ORDER BY created_at DESC`)
	return out, err
}

// AssignmentCount is the number of workers assigned to an experiment.
type AssignmentCount struct {
	Experiment  string `db:"experiment" json:"experiment"`
	WorkerCount int    `db:"worker_count" json:"worker_count"`
}

func (s *Store) AssignmentCounts() ([]AssignmentCount, error) {
	var out = []AssignmentCount{}
	var err = s.queryRows(&out,
		`SELECT e.experiment, count(a.pioreactor_unit) AS worker_count
		 FROM experiments e
		 LEFT JOIN experiment_worker_assignments a ON e.experiment = a.experiment
		 GROUP BY 1 HAVING count(a.pioreactor_unit) > 0 ORDER BY 2 DESC`)
	return out, err
}
