package store

// UnitLabel is a per-experiment display label of a worker.
type UnitLabel struct {
	Unit  string `db:"unit" json:"unit"`
	Label string `db:"label" json:"label"`
}

// UnitLabels maps unit names to labels for an experiment. The reserved name
// "current" resolves to the latest experiment.
func (s *Store) UnitLabels(experiment string) (map[string]string, error) {
	var rows = []UnitLabel{}
	var err error
	if experiment == "current" {
		err = s.queryRows(&rows,
			`SELECT r.pioreactor_unit AS unit, r.label
			 FROM pioreactor_unit_labels r JOIN latest_experiment USING (experiment)`)
	} else {
		err = s.queryRows(&rows,
			`SELECT r.pioreactor_unit AS unit, r.label
			 FROM pioreactor_unit_labels r WHERE experiment = ?`, experiment)
	}
	if err != nil {
		return nil, err
	}
	var out = make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Unit] = row.Label
	}
	return out, nil
}

// UpsertUnitLabel sets a worker's label within an experiment. An empty label
// deletes the row: the unique (experiment, unit) index forbids several
// workers sharing "".
func (s *Store) UpsertUnitLabel(experiment, unit, label string) error {
	if label == "" {
		var _, err = s.Modify(
			`DELETE FROM pioreactor_unit_labels WHERE experiment = ? AND pioreactor_unit = ?`,
			experiment, unit)
		return err
	}
	var _, err = s.Modify(
		`INSERT INTO pioreactor_unit_labels (label, experiment, pioreactor_unit, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (experiment, pioreactor_unit) DO UPDATE SET label = excluded.label, created_at = excluded.created_at`,
		label, experiment, unit, CurrentUTCTimestamp())
	return err
}
