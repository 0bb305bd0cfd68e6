package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	var s, err = Open(filepath.Join(t.TempDir(), "pioreactor.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndListExperiments(t *testing.T) {
	var s = testStore(t)

	var created, err = s.CreateExperiment("exp-A", "first run", "LB", "e. coli")
	require.NoError(t, err)
	require.True(t, created)

	// Duplicate name conflicts rather than erroring.
	created, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)
	require.False(t, created)

	experiments, err := s.ListExperiments()
	require.NoError(t, err)
	require.Len(t, experiments, 1)
	require.Equal(t, "exp-A", experiments[0].Experiment)
	require.Equal(t, "first run", experiments[0].Description.String)

	exp, err := s.GetExperiment("exp-A")
	require.NoError(t, err)
	require.NotNil(t, exp)

	exp, err = s.GetExperiment("missing")
	require.NoError(t, err)
	require.Nil(t, exp)
}

func TestLatestExperiment(t *testing.T) {
	var s = testStore(t)

	var latest, err = s.LatestExperiment()
	require.NoError(t, err)
	require.Nil(t, latest)

	_, err = s.CreateExperiment("older", "", "", "")
	require.NoError(t, err)
	// created_at has microsecond resolution; both inserts in the same tick
	// would tie, so force distinct timestamps.
	_, err = s.Modify(`UPDATE experiments SET created_at = '2026-01-01T00:00:00.000000Z' WHERE experiment = 'older'`)
	require.NoError(t, err)
	_, err = s.CreateExperiment("newer", "", "", "")
	require.NoError(t, err)

	latest, err = s.LatestExperiment()
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, "newer", latest.Experiment)
}

func TestValidateExperimentName(t *testing.T) {
	require.Empty(t, ValidateExperimentName("exp-A"))

	for _, name := range []string{
		"", "current", "Current", "_testing_exp", "has#hash", "has+plus",
		"has$dollar", "has/slash", "has%percent", `has\backslash`,
	} {
		require.NotEmpty(t, ValidateExperimentName(name), "name %q should be rejected", name)
	}
}

func TestSingleAssignmentInvariant(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)
	_, err = s.CreateExperiment("exp-B", "", "", "")
	require.NoError(t, err)
	_, err = s.AddWorker("pio01")
	require.NoError(t, err)

	ok, err := s.AssignWorker("exp-A", "pio01")
	require.NoError(t, err)
	require.True(t, ok)

	// Reassigning moves the worker: at most one assignment row per worker.
	ok, err = s.AssignWorker("exp-B", "pio01")
	require.NoError(t, err)
	require.True(t, ok)

	workers, err := s.WorkersInExperiment("exp-A", "$experiment")
	require.NoError(t, err)
	require.Empty(t, workers)

	workers, err = s.WorkersInExperiment("exp-B", "$experiment")
	require.NoError(t, err)
	require.Equal(t, []string{"pio01"}, workers)

	// The history shadow recorded both edges.
	history, err := s.HistoricalWorkersForExperiment("exp-A")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Zero(t, history[0].IsCurrentlyAssigned)

	history, err = s.HistoricalWorkersForExperiment("exp-B")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 1, history[0].IsCurrentlyAssigned)
}

func TestAssignUnknownWorkerOrExperiment(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)

	// Foreign keys reject workers and experiments outside the inventory.
	ok, err := s.AssignWorker("exp-A", "ghost")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.AddWorker("pio01")
	require.NoError(t, err)
	ok, err = s.AssignWorker("missing-exp", "pio01")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteExperimentCascades(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)
	_, err = s.AddWorker("pio01")
	require.NoError(t, err)
	_, err = s.AssignWorker("exp-A", "pio01")
	require.NoError(t, err)
	require.NoError(t, s.UpsertUnitLabel("exp-A", "pio01", "bio-1"))

	deleted, err := s.DeleteExperiment("exp-A")
	require.NoError(t, err)
	require.True(t, deleted)

	assignment, err := s.AssignmentForWorker("pio01")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	require.False(t, assignment.Experiment.Valid)

	labels, err := s.UnitLabels("exp-A")
	require.NoError(t, err)
	require.Empty(t, labels)

	deleted, err = s.DeleteExperiment("exp-A")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestWorkerUpsertIsIdempotent(t *testing.T) {
	var s = testStore(t)

	for i := 0; i < 2; i++ {
		var ok, err = s.AddWorker("pio01")
		require.NoError(t, err)
		require.True(t, ok)
	}
	var workers, err = s.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, 1, workers[0].IsActive)
}

func TestSetWorkerActive(t *testing.T) {
	var s = testStore(t)

	var _, err = s.AddWorker("pio01")
	require.NoError(t, err)

	ok, err := s.SetWorkerActive("pio01", 0)
	require.NoError(t, err)
	require.True(t, ok)

	worker, err := s.GetWorker("pio01")
	require.NoError(t, err)
	require.Zero(t, worker.IsActive)

	ok, err = s.SetWorkerActive("ghost", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestActiveWorkersInExperiment(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)
	for _, unit := range []string{"pio01", "pio02"} {
		_, err = s.AddWorker(unit)
		require.NoError(t, err)
		_, err = s.AssignWorker("exp-A", unit)
		require.NoError(t, err)
	}
	_, err = s.SetWorkerActive("pio02", 0)
	require.NoError(t, err)

	active, err := s.ActiveWorkersInExperiment("exp-A")
	require.NoError(t, err)
	require.Equal(t, []string{"pio01"}, active)

	ok, err := s.IsActiveWorkerInExperiment("exp-A", "pio02")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.IsActiveWorkerInExperiment("exp-A", "pio01")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnitLabelUpsertAndDelete(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.UpsertUnitLabel("exp-A", "pio01", "bio-1"))
	require.NoError(t, s.UpsertUnitLabel("exp-A", "pio01", "bio-2"))

	labels, err := s.UnitLabels("exp-A")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"pio01": "bio-2"}, labels)

	// Empty label removes the row.
	require.NoError(t, s.UpsertUnitLabel("exp-A", "pio01", ""))
	labels, err = s.UnitLabels("exp-A")
	require.NoError(t, err)
	require.Empty(t, labels)
}

func TestLogsRoundTrip(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.InsertLog(Log{
		Timestamp:      CurrentUTCTimestamp(),
		Level:          "INFO",
		PioreactorUnit: "pio01",
		Message:        "stirring started",
		Task:           "stirring",
		Experiment:     "exp-A",
	}))
	require.NoError(t, s.InsertLog(Log{
		Timestamp:      CurrentUTCTimestamp(),
		Level:          "DEBUG",
		PioreactorUnit: "pio01",
		Message:        "noise",
		Task:           "stirring",
		Experiment:     "exp-A",
	}))

	logs, err := s.RecentLogs("exp-A", "$experiment", "INFO")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "stirring started", logs[0].Message)

	logs, err = s.RecentLogs("exp-A", "$experiment", "DEBUG")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	logs, err = s.AllLogs(0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestScrubIdentifier(t *testing.T) {
	var got, err = ScrubIdentifier("od_readings")
	require.NoError(t, err)
	require.Equal(t, "od_readings", got)

	got, err = ScrubIdentifier("od_readings; DROP TABLE logs")
	require.NoError(t, err)
	require.Equal(t, "od_readingsDROPTABLElogs", got)

	_, err = ScrubIdentifier("sqlite_master")
	require.Error(t, err)
	_, err = ScrubIdentifier("")
	require.Error(t, err)
}

func TestTimeSeriesAggregate(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)
	_, err = s.Modify(
		`INSERT INTO growth_rates (experiment, pioreactor_unit, timestamp, rate) VALUES (?, ?, ?, ?)`,
		"exp-A", "pio01", CurrentUTCTimestamp(), 0.0412345)
	require.NoError(t, err)

	result, err := s.GrowthRates("exp-A", 1, 4)
	require.NoError(t, err)
	require.Contains(t, string(result), `"series":["pio01"]`)
	require.Contains(t, string(result), `0.04123`)

	// Unknown experiment yields an empty aggregate, not an error.
	result, err = s.GrowthRates("missing", 1, 4)
	require.NoError(t, err)
	require.Contains(t, string(result), `"series":[]`)
}

func TestMediaRates(t *testing.T) {
	var s = testStore(t)

	var _, err = s.CreateExperiment("exp-A", "", "", "")
	require.NoError(t, err)
	_, err = s.Modify(
		`INSERT INTO dosing_events (experiment, pioreactor_unit, timestamp, event, volume_change_ml, source_of_event)
		 VALUES (?, ?, STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW'), 'add_media', 3.0, 'dosing_automation:turbidostat')`,
		"exp-A", "pio01")
	require.NoError(t, err)

	rates, err := s.MediaRates("exp-A")
	require.NoError(t, err)
	require.InDelta(t, 1.0, rates["pio01"].MediaRate, 1e-9)
	require.InDelta(t, 1.0, rates["all"].MediaRate, 1e-9)
	require.Zero(t, rates["all"].AltMediaRate)
}

func TestConfigHistory(t *testing.T) {
	var s = testStore(t)

	require.NoError(t, s.AppendConfigHistory("config.ini", []byte("[mqtt]\n")))
	require.NoError(t, s.AppendConfigHistory("config.ini", []byte("[mqtt]\nbroker_address=x\n")))

	history, err := s.ConfigHistory("config.ini")
	require.NoError(t, err)
	require.Len(t, history, 2)

	require.NoError(t, s.DeleteConfigHistory("config.ini"))
	history, err = s.ConfigHistory("config.ini")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestListUnitsIncludesLeader(t *testing.T) {
	var s = testStore(t)

	var _, err = s.AddWorker("pio01")
	require.NoError(t, err)

	units, err := s.ListUnits("leader")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"leader", "pio01"}, units)

	// A leader that is also a worker isn't listed twice.
	_, err = s.AddWorker("leader")
	require.NoError(t, err)
	units, err = s.ListUnits("leader")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"leader", "pio01"}, units)
}
