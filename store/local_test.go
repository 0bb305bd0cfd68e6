package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLocalDB(t *testing.T) *LocalDB {
	t.Helper()
	var l, err = OpenLocal(filepath.Join(t.TempDir(), "metadata.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunningJobsAndSettings(t *testing.T) {
	var l = testLocalDB(t)

	var _, err = l.db.Exec(
		`INSERT INTO pio_job_metadata (id, job_name, experiment, is_running, is_long_running_job)
		 VALUES (1, 'stirring', 'exp-A', 1, 0), (2, 'od_reading', 'exp-A', 0, 0), (3, 'monitor', 'exp-B', 1, 1)`)
	require.NoError(t, err)
	_, err = l.db.Exec(
		`INSERT INTO pio_job_published_settings (job_id, setting, value)
		 VALUES (1, 'target_rpm', '400'), (2, 'ir_led_intensity', '70')`)
	require.NoError(t, err)

	jobs, err := l.RunningJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	jobs, err = l.RunningJobsForExperiment("exp-A")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "stirring", jobs[0].JobName)

	jobs, err = l.LongRunningJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "monitor", jobs[0].JobName)

	settings, err := l.JobSettings("stirring")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"target_rpm": "400"}, settings)

	// Settings of stopped jobs are invisible.
	settings, err = l.JobSettings("od_reading")
	require.NoError(t, err)
	require.Empty(t, settings)

	value, ok, err := l.JobSetting("stirring", "target_rpm")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "400", value)

	_, ok, err = l.JobSetting("stirring", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVStore(t *testing.T) {
	var l = testLocalDB(t)

	var _, ok, err = l.KVGet("active_calibrations", "od")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.KVSet("active_calibrations", "od", "cal-1"))
	require.NoError(t, l.KVSet("active_calibrations", "od", "cal-2"))

	value, ok, err := l.KVGet("active_calibrations", "od")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cal-2", value)

	deleted, err := l.KVDelete("active_calibrations", "od")
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = l.KVDelete("active_calibrations", "od")
	require.NoError(t, err)
	require.False(t, deleted)
}
