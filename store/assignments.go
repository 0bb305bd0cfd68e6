package store

import "database/sql"

// WorkerAssignment pairs a worker with its assigned experiment, if any.
type WorkerAssignment struct {
	PioreactorUnit string         `db:"pioreactor_unit" json:"pioreactor_unit"`
	Experiment     sql.NullString `db:"experiment" json:"experiment"`
	IsActive       int            `db:"is_active" json:"is_active"`
}

// AssignWorker assigns a worker to an experiment. The INSERT OR REPLACE over
// the unique pioreactor_unit column guarantees a worker is in at most one
// experiment. It reports false when the worker or experiment doesn't exist.
func (s *Store) AssignWorker(experiment, unit string) (bool, error) {
	var now = CurrentUTCTimestamp()
	var n, err = s.Modify(
		`INSERT OR REPLACE INTO experiment_worker_assignments (pioreactor_unit, experiment, assigned_at) VALUES (?, ?, ?)`,
		unit, experiment, now)
	if err != nil || n == 0 {
		return false, err
	}

	// Shadow history: close any open edge, then append the new one.
	if _, err = s.Modify(
		`UPDATE experiment_worker_assignments_history SET unassigned_at = ? WHERE pioreactor_unit = ? AND unassigned_at IS NULL`,
		now, unit); err != nil {
		return false, err
	}
	_, err = s.Modify(
		`INSERT INTO experiment_worker_assignments_history (pioreactor_unit, experiment, assigned_at) VALUES (?, ?, ?)`,
		unit, experiment, now)
	return true, err
}

// UnassignWorker removes a worker from an experiment. It reports false when
// no such assignment exists.
func (s *Store) UnassignWorker(experiment, unit string) (bool, error) {
	var n, err = s.Modify(
		`DELETE FROM experiment_worker_assignments WHERE pioreactor_unit = ? AND experiment = ?`,
		unit, experiment)
	if err != nil || n == 0 {
		return false, err
	}
	_, err = s.Modify(
		`UPDATE experiment_worker_assignments_history SET unassigned_at = ? WHERE pioreactor_unit = ? AND experiment = ? AND unassigned_at IS NULL`,
		CurrentUTCTimestamp(), unit, experiment)
	return true, err
}

// UnassignAllFromExperiment removes every worker from an experiment.
func (s *Store) UnassignAllFromExperiment(experiment string) error {
	if _, err := s.Modify(
		`UPDATE experiment_worker_assignments_history SET unassigned_at = ? WHERE experiment = ? AND unassigned_at IS NULL`,
		CurrentUTCTimestamp(), experiment); err != nil {
		return err
	}
	var _, err = s.Modify(
		`DELETE FROM experiment_worker_assignments WHERE experiment = ?`, experiment)
	return err
}

// UnassignAll removes every assignment in the cluster.
func (s *Store) UnassignAll() error {
	if _, err := s.Modify(
		`UPDATE experiment_worker_assignments_history SET unassigned_at = ? WHERE unassigned_at IS NULL`,
		CurrentUTCTimestamp()); err != nil {
		return err
	}
	var _, err = s.Modify(`DELETE FROM experiment_worker_assignments`)
	return err
}

// WorkersInExperiment lists workers assigned to an experiment, or every
// worker when experiment is the universal sentinel.
func (s *Store) WorkersInExperiment(experiment, universalExperiment string) ([]string, error) {
	var out = []string{}
	if experiment == universalExperiment {
		var err = s.queryRows(&out, `SELECT pioreactor_unit FROM workers`)
		return out, err
	}
	var err = s.queryRows(&out,
		`SELECT pioreactor_unit FROM experiment_worker_assignments WHERE experiment = ?`, experiment)
	return out, err
}

// ActiveWorkersInExperiment lists workers assigned to the experiment which
// are also flagged active.
func (s *Store) ActiveWorkersInExperiment(experiment string) ([]string, error) {
	var out = []string{}
	var err = s.queryRows(&out,
		`SELECT a.pioreactor_unit
		 FROM experiment_worker_assignments a
		 JOIN workers w ON w.pioreactor_unit = a.pioreactor_unit
		 WHERE a.experiment = ? AND w.is_active = 1`, experiment)
	return out, err
}

// IsActiveWorkerInExperiment reports whether the worker is both assigned to
// the experiment and active.
func (s *Store) IsActiveWorkerInExperiment(experiment, unit string) (bool, error) {
	var count int
	var err = s.queryRow(&count,
		`SELECT count(1)
		 FROM experiment_worker_assignments a
		 JOIN workers w ON w.pioreactor_unit = a.pioreactor_unit
		 WHERE a.experiment = ? AND w.pioreactor_unit = ? AND w.is_active = 1`, experiment, unit)
	return count > 0, err
}

// AssignmentForWorker returns the worker's row joined with its assignment.
// It returns nil when the worker isn't in the inventory.
func (s *Store) AssignmentForWorker(unit string) (*WorkerAssignment, error) {
	var out WorkerAssignment
	var err = s.queryRow(&out,
		`SELECT w.pioreactor_unit, w.is_active, a.experiment
		 FROM workers w
		 LEFT JOIN experiment_worker_assignments a ON w.pioreactor_unit = a.pioreactor_unit
		 WHERE w.pioreactor_unit = ?`, unit)
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &out, nil
}

// AllAssignments lists every worker with its assignment (null when
// unassigned).
func (s *Store) AllAssignments() ([]WorkerAssignment, error) {
	var out = []WorkerAssignment{}
	var err = s.queryRows(&out,
		`SELECT w.pioreactor_unit, w.is_active, a.experiment
		 FROM workers w
		 LEFT JOIN experiment_worker_assignments a ON w.pioreactor_unit = a.pioreactor_unit
		 ORDER BY w.pioreactor_unit`)
	return out, err
}

// WorkersForExperiment lists assigned workers with their active flags.
func (s *Store) WorkersForExperiment(experiment string) ([]Worker, error) {
	var out = []Worker{}
	var err = s.queryRows(&out,
		`SELECT w.pioreactor_unit, w.added_at, w.is_active
		 FROM experiment_worker_assignments a
		 JOIN workers w ON w.pioreactor_unit = a.pioreactor_unit
		 WHERE a.experiment = ? ORDER BY w.pioreactor_unit`, experiment)
	return out, err
}

// HistoricalWorker is a worker that was at some point assigned to an
// experiment.
type HistoricalWorker struct {
	PioreactorUnit      string `db:"pioreactor_unit" json:"pioreactor_unit"`
	Experiment          string `db:"experiment" json:"experiment"`
	IsCurrentlyAssigned int    `db:"is_currently_assigned_to_experiment" json:"is_currently_assigned_to_experiment"`
}

func (s *Store) HistoricalWorkersForExperiment(experiment string) ([]HistoricalWorker, error) {
	var out = []HistoricalWorker{}
	var err = s.queryRows(&out,
		`SELECT pioreactor_unit, experiment, MAX(unassigned_at IS NULL) AS is_currently_assigned_to_experiment
		 FROM experiment_worker_assignments_history
		 WHERE experiment = ? GROUP BY 1, 2`, experiment)
	return out, err
}
