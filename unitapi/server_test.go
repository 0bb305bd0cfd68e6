package unitapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/store"
	"github.com/pioreactor/pioreactorui/tasks"
)

type fixture struct {
	server    *Server
	router    *mux.Router
	engine    *tasks.Engine
	localPath string
	payloads  chan tasks.ShellArgs
}

// newFixture wires a unit API against a real engine whose shell kinds are
// replaced with recording stubs.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	var dir = t.TempDir()
	var cfg = &config.Config{
		UnitName:       "pio01",
		LeaderHostname: "leader01",
		DotPioreactor:  dir,
		CacheDir:       dir,
	}

	var engine, err = tasks.Open(filepath.Join(dir, "tasks.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	var payloads = make(chan tasks.ShellArgs, 8)
	var record = func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args tasks.ShellArgs
		json.Unmarshal(payload, &args)
		payloads <- args
		return true, nil
	}
	engine.Register(tasks.KindPioRun, tasks.Options{Priority: 10}, record)
	engine.Register(tasks.KindPioKill, tasks.Options{Priority: 100}, record)
	engine.Register(tasks.KindPioPlugins, tasks.Options{Lock: tasks.PluginsLock}, record)
	engine.Register(tasks.KindRM, tasks.Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return true, nil
	})
	engine.Register(tasks.KindReboot, tasks.Options{}, record)
	engine.Register(tasks.KindPioPluginsLst, tasks.Options{}, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return json.RawMessage(`[{"name":"my_plugin"}]`), nil
	})

	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Start(ctx)

	var localPath = filepath.Join(dir, "local_metadata.sqlite")
	local, err := store.OpenLocal(localPath)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	var server = &Server{
		Config:  cfg,
		Engine:  engine,
		Cache:   cache.New(),
		Local:   local,
		Version: "25.8.1",
	}
	var router = mux.NewRouter()
	server.Register(router)
	return &fixture{server: server, router: router, engine: engine, localPath: localPath, payloads: payloads}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	var req = httptest.NewRequest(method, path, reader)
	var recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

// seedJob inserts a running job row the way the pioreactor app would.
func (f *fixture) seedJob(t *testing.T, id int64, name, experiment string, settings map[string]string) {
	t.Helper()
	var db, err = sql.Open("sqlite3", f.localPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(
		`INSERT INTO pio_job_metadata (id, job_name, experiment, is_running) VALUES (?, ?, ?, 1)`,
		id, name, experiment)
	require.NoError(t, err)
	for setting, value := range settings {
		_, err = db.Exec(
			`INSERT INTO pio_job_published_settings (job_id, setting, value) VALUES (?, ?, ?)`,
			id, setting, value)
		require.NoError(t, err)
	}
}

func TestTaskResultsLifecycle(t *testing.T) {
	var f = newFixture(t)

	var resp = f.do(t, "GET", "/unit_api/task_results/not-a-task", "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Contains(t, resp.Body.String(), "pending or not present")

	task, err := f.engine.Enqueue(tasks.KindPioKill, tasks.ShellArgs{Args: []string{"--all-jobs"}})
	require.NoError(t, err)
	_, err = task.Wait(5 * time.Second)
	require.NoError(t, err)

	resp = f.do(t, "GET", "/unit_api/task_results/"+task.ID, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "complete", body["status"])
	require.Equal(t, true, body["result"])
	<-f.payloads
}

func TestRunJobEnqueuesAndDebounces(t *testing.T) {
	var f = newFixture(t)

	var resp = f.do(t, "POST", "/unit_api/jobs/run/job_name/stirring",
		`{"options":{"target_rpm":400,"sneaky":null},"args":["extra"],"env":{"EXPERIMENT":"exp1","PATH":"/bad"}}`)
	require.Equal(t, http.StatusAccepted, resp.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))
	require.Equal(t, "pio01", accepted["unit"])
	require.Equal(t, "/unit_api/task_results/"+accepted["task_id"], accepted["result_url_path"])

	var args = <-f.payloads
	require.Equal(t, "stirring", args.Args[0])
	require.Equal(t, "extra", args.Args[1])
	require.Contains(t, args.Args, "--target-rpm")
	require.Contains(t, args.Args, "400")
	require.Contains(t, args.Args, "--sneaky")
	// Only allow-listed env vars survive.
	require.Equal(t, map[string]string{"EXPERIMENT": "exp1"}, args.Env)

	resp = f.do(t, "POST", "/unit_api/jobs/run/job_name/stirring", `{}`)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	// A different job is not caught by stirring's debounce.
	resp = f.do(t, "POST", "/unit_api/jobs/run/job_name/od_reading", `{}`)
	require.Equal(t, http.StatusAccepted, resp.Code)
	<-f.payloads
}

func TestRunJobAcceptsEmptyBody(t *testing.T) {
	var f = newFixture(t)
	var resp = f.do(t, "POST", "/unit_api/jobs/run/job_name/led_intensity", "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Equal(t, []string{"led_intensity"}, (<-f.payloads).Args)
}

func TestStopVariants(t *testing.T) {
	var f = newFixture(t)
	var cases = []struct {
		path string
		args []string
	}{
		{"/unit_api/jobs/stop/all", []string{"--all-jobs"}},
		{"/unit_api/jobs/stop/job_name/stirring", []string{"--job-name", "stirring"}},
		{"/unit_api/jobs/stop/experiment/exp1", []string{"--experiment", "exp1"}},
		{"/unit_api/jobs/stop/job_source/experiment_profile", []string{"--job-source", "experiment_profile"}},
	}
	for _, tc := range cases {
		var resp = f.do(t, "POST", tc.path, "")
		require.Equal(t, http.StatusAccepted, resp.Code, tc.path)
		require.Equal(t, tc.args, (<-f.payloads).Args, tc.path)
	}
}

func TestRemoveFileWhitelist(t *testing.T) {
	var f = newFixture(t)

	var resp = f.do(t, "POST", "/unit_api/system/remove_file", `{"filepath":"/etc/passwd"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	// Escaping the whitelist through .. is caught after cleaning.
	resp = f.do(t, "POST", "/unit_api/system/remove_file", `{"filepath":"/tmp/../etc/passwd"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(t, "POST", "/unit_api/system/remove_file", `{"filepath":"/home/pioreactor/exports/old.zip"}`)
	require.Equal(t, http.StatusAccepted, resp.Code)

	resp = f.do(t, "POST", "/unit_api/system/remove_file", `{"filepath":"/tmp/scratch.csv"}`)
	require.Equal(t, http.StatusAccepted, resp.Code)

	resp = f.do(t, "POST", "/unit_api/system/remove_file", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestJobSettings(t *testing.T) {
	var f = newFixture(t)
	f.seedJob(t, 1, "stirring", "exp1", map[string]string{"target_rpm": "400"})

	var resp = f.do(t, "GET", "/unit_api/jobs/settings/job_name/stirring", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"settings":{"target_rpm":"400"}}`, resp.Body.String())

	resp = f.do(t, "GET", "/unit_api/jobs/settings/job_name/stirring/setting/target_rpm", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"target_rpm":"400"}`, resp.Body.String())

	resp = f.do(t, "GET", "/unit_api/jobs/settings/job_name/od_reading", "")
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(t, "GET", "/unit_api/jobs/settings/job_name/stirring/setting/missing", "")
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(t, "PATCH", "/unit_api/jobs/settings/job_name/stirring", `{"settings":{"target_rpm":"500"}}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestRunningJobs(t *testing.T) {
	var f = newFixture(t)
	f.seedJob(t, 1, "stirring", "exp1", nil)
	f.seedJob(t, 2, "od_reading", "exp2", nil)

	var resp = f.do(t, "GET", "/unit_api/jobs/running", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var jobs []store.RunningJob
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)

	resp = f.do(t, "GET", "/unit_api/jobs/running/experiments/exp1", "")
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "stirring", jobs[0].JobName)
}

func TestInstalledPlugins(t *testing.T) {
	var f = newFixture(t)
	var resp = f.do(t, "GET", "/unit_api/plugins/installed", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `[{"name":"my_plugin"}]`, resp.Body.String())
}

func TestPluginSource(t *testing.T) {
	var f = newFixture(t)
	require.NoError(t, os.MkdirAll(f.server.Config.PluginsDir(), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(f.server.Config.PluginsDir(), "my_plugin.py"), []byte("print('hi')"), 0o644))

	var resp = f.do(t, "GET", "/unit_api/plugins/installed/my_plugin.py", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "print('hi')", resp.Body.String())

	resp = f.do(t, "GET", "/unit_api/plugins/installed/my_plugin.sh", "")
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(t, "GET", "/unit_api/plugins/installed/nonexistent.py", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestInstallPluginFeatureGate(t *testing.T) {
	var f = newFixture(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(f.server.Config.DotPioreactor, config.DisallowUIInstalls), nil, 0o644))

	var resp = f.do(t, "POST", "/unit_api/plugins/install", `{"args":["my_plugin"]}`)
	require.Equal(t, http.StatusForbidden, resp.Code)

	// Uninstalls stay allowed.
	resp = f.do(t, "POST", "/unit_api/plugins/uninstall", `{"args":["my_plugin"]}`)
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Equal(t, []string{"uninstall", "my_plugin"}, (<-f.payloads).Args)
}

func TestCalibrations(t *testing.T) {
	var f = newFixture(t)
	var odDir = filepath.Join(f.server.Config.CalibrationsDir(), "od")
	require.NoError(t, os.MkdirAll(odDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(odDir, "cal1.yaml"),
		[]byte("calibration_name: cal1\ncalibration_type: od\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(odDir, "cal2.yaml"),
		[]byte("calibration_name: cal2\ncalibration_type: od\n"), 0o644))

	var resp = f.do(t, "PATCH", "/unit_api/calibrations/od/cal1/active", "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = f.do(t, "GET", "/unit_api/calibrations", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var grouped map[string][]map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &grouped))
	require.Len(t, grouped["od"], 2)

	resp = f.do(t, "GET", "/unit_api/calibrations/od", "")
	var calibrations []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &calibrations))
	var actives = map[string]bool{}
	for _, cal := range calibrations {
		actives[cal["calibration_name"].(string)] = cal["is_active"].(bool)
	}
	require.True(t, actives["cal1"])
	require.False(t, actives["cal2"])

	resp = f.do(t, "GET", "/unit_api/calibrations/unknown_device", "")
	require.Equal(t, http.StatusNotFound, resp.Code)

	// Deleting the active calibration clears the active entry.
	resp = f.do(t, "DELETE", "/unit_api/calibrations/od/cal1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var _, ok, err = f.server.Local.KVGet("active_calibrations", "od")
	require.NoError(t, err)
	require.False(t, ok)

	resp = f.do(t, "DELETE", "/unit_api/calibrations/od/cal1", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRebootRespondsBeforeRestarting(t *testing.T) {
	var f = newFixture(t)
	// The leader's pre-reboot grace period belongs to the task, not the
	// handler; the response must come back right away either way.
	f.server.Config.UnitName = f.server.Config.LeaderHostname

	var begin = time.Now()
	var resp = f.do(t, "POST", "/unit_api/system/reboot", "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Less(t, time.Since(begin), 2*time.Second)
	<-f.payloads
}

func TestClock(t *testing.T) {
	var f = newFixture(t)
	var resp = f.do(t, "GET", "/unit_api/system/utc_clock", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "success", body["status"])
	require.Regexp(t, `^\d{4}-\d{2}-\d{2}T`, body["clock_time"])
}

func TestUpdateUnknownTarget(t *testing.T) {
	var f = newFixture(t)
	var resp = f.do(t, "POST", "/unit_api/system/update/firmware", `{}`)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestUIVersion(t *testing.T) {
	var f = newFixture(t)
	var resp = f.do(t, "GET", "/unit_api/versions/ui", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"version":"25.8.1"}`, resp.Body.String())
	require.Equal(t, "public,max-age=60", resp.Header().Get("Cache-Control"))
}
