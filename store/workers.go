package store

// Worker is a node enrolled in the cluster inventory.
type Worker struct {
	PioreactorUnit string `db:"pioreactor_unit" json:"pioreactor_unit"`
	AddedAt        string `db:"added_at" json:"added_at"`
	IsActive       int    `db:"is_active" json:"is_active"`
}

// AddWorker upserts a worker into the inventory, active by default.
// Re-adding an existing worker refreshes added_at and is not an error.
func (s *Store) AddWorker(unit string) (bool, error) {
	var n, err = s.Modify(
		`INSERT OR REPLACE INTO workers (pioreactor_unit, added_at, is_active) VALUES (?, ?, 1)`,
		unit, CurrentUTCTimestamp())
	return n > 0, err
}

func (s *Store) ListWorkers() ([]Worker, error) {
	var out = []Worker{}
	var err = s.queryRows(&out,
		`SELECT pioreactor_unit, added_at, is_active FROM workers ORDER BY pioreactor_unit`)
	return out, err
}

// ListUnits lists every node of the cluster: the workers plus the leader,
// which may not itself be a worker.
func (s *Store) ListUnits(leaderHostname string) ([]string, error) {
	var out = []string{}
	var err = s.queryRows(&out,
		`SELECT DISTINCT pioreactor_unit FROM (
		     SELECT ? AS pioreactor_unit
		     UNION
		     SELECT pioreactor_unit FROM workers
		 )`, leaderHostname)
	return out, err
}

// AllWorkerNames lists worker names, most recently added first.
func (s *Store) AllWorkerNames() ([]string, error) {
	var out = []string{}
	var err = s.queryRows(&out,
		`SELECT pioreactor_unit FROM workers ORDER BY added_at DESC`)
	return out, err
}

// GetWorker returns nil when the worker isn't in the inventory.
func (s *Store) GetWorker(unit string) (*Worker, error) {
	var out Worker
	var err = s.queryRow(&out,
		`SELECT pioreactor_unit, added_at, is_active FROM workers WHERE pioreactor_unit = ?`, unit)
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorker removes a worker; assignments cascade. It reports false when
// the worker is missing.
func (s *Store) DeleteWorker(unit string) (bool, error) {
	if _, err := s.Modify(
		`UPDATE experiment_worker_assignments_history SET unassigned_at = ? WHERE pioreactor_unit = ? AND unassigned_at IS NULL`,
		CurrentUTCTimestamp(), unit); err != nil {
		return false, err
	}
	var n, err = s.Modify(`DELETE FROM workers WHERE pioreactor_unit = ?`, unit)
	return n > 0, err
}

// SetWorkerActive toggles a worker's active flag. It reports false when the
// worker is missing.
func (s *Store) SetWorkerActive(unit string, isActive int) (bool, error) {
	var n, err = s.Modify(
		`UPDATE workers SET is_active = ? WHERE pioreactor_unit = ?`, isActive, unit)
	return n > 0, err
}
