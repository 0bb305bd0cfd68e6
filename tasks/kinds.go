package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/cluster"
	"github.com/pioreactor/pioreactorui/config"
)

// Task kind names. The API layers enqueue by these.
const (
	KindPio           = "pio"
	KindPioRun        = "pio_run"
	KindPioKill       = "pio_kill"
	KindPioPlugins    = "pio_plugins"
	KindPioPluginsLst = "pio_plugins_list"
	KindPioUpdate     = "pio_update"
	KindPioUpdateApp  = "pio_update_app"
	KindPioUpdateUI   = "pio_update_ui"
	KindExportData    = "pio_run_export_experiment_data"
	KindPios          = "pios"
	KindAddWorker     = "add_new_pioreactor"
	KindUpdateCluster = "update_app_across_cluster"
	KindUpdateArchive = "update_app_from_release_archive_across_cluster"
	KindRM            = "rm"
	KindShutdown      = "shutdown"
	KindReboot        = "reboot"
	KindSaveFile      = "save_file"
	KindWriteConfig   = "write_config_and_sync"

	KindMulticastGet    = "multicast_get_across_cluster"
	KindMulticastPost   = "multicast_post_across_cluster"
	KindMulticastPatch  = "multicast_patch_across_cluster"
	KindMulticastDelete = "multicast_delete_across_cluster"
)

// allowedEnv are the only environment variables a caller may pass into a
// spawned pio process. Everything else is dropped.
var allowedEnv = map[string]bool{
	"EXPERIMENT":    true,
	"JOB_SOURCE":    true,
	"TESTING":       true,
	"HOSTNAME":      true,
	"HARDWARE":      true,
	"ACTIVE":        true,
	"FIRMWARE":      true,
	"DEBUG":         true,
	"MODEL_NAME":    true,
	"MODEL_VERSION": true,
	"SKIP_PLUGINS":  true,
}

// FilterEnv drops every key outside the allowed set.
func FilterEnv(env map[string]string) map[string]string {
	var filtered = make(map[string]string, len(env))
	for key, value := range env {
		if allowedEnv[key] {
			filtered[key] = value
		}
	}
	return filtered
}

// ShellArgs is the payload of the pio / pios command kinds.
type ShellArgs struct {
	Args []string          `json:"args"`
	Env  map[string]string `json:"env,omitempty"`
}

// CommandResult is the stored result of a shell-backed task.
type CommandResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
}

// NewWorkerArgs names a pioreactor being added to the cluster.
type NewWorkerArgs struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Model   string `json:"model"`
}

// ArchiveArgs locates a release archive for an offline update.
type ArchiveArgs struct {
	Archive string `json:"archive"`
}

// PathArgs is the payload of rm.
type PathArgs struct {
	Path string `json:"path"`
}

// SaveFileArgs writes content at a path.
type SaveFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteConfigArgs writes a config file on the leader and syncs it out.
type WriteConfigArgs struct {
	Path  string `json:"path"`
	Text  string `json:"text"`
	Units string `json:"units"`
	Flags string `json:"flags"`
}

// MulticastArgs is the payload of the multicast kinds.
type MulticastArgs struct {
	Endpoint string            `json:"endpoint"`
	Workers  []string          `json:"workers"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Runner binds task kinds to this node's executables, cache, and cluster
// client.
type Runner struct {
	Config  *config.Config
	Cache   *cache.Cache
	Cluster *cluster.Client
}

// RegisterAll registers every task kind on the engine. Kill tasks outrank
// everything so a stop request is never stuck behind queued work; job starts
// outrank bulk multicasts.
func (r *Runner) RegisterAll(e *Engine) {
	e.Register(KindPio, Options{}, r.pioCapture(nil))
	e.Register(KindPioRun, Options{Priority: 10}, r.pioRun)
	e.Register(KindPioKill, Options{Priority: 100}, r.pioSilent("kill"))
	e.Register(KindPioPlugins, Options{Lock: PluginsLock}, r.pioPlugins)
	e.Register(KindPioPluginsLst, Options{}, r.pioPluginsList)
	e.Register(KindPioUpdate, Options{Lock: UpdateLock}, r.pioDetachedUpdate("update"))
	e.Register(KindPioUpdateApp, Options{Lock: UpdateLock}, r.pioUpdateApp)
	e.Register(KindPioUpdateUI, Options{Lock: UpdateLock}, r.pioDetachedUpdate("update", "ui"))
	e.Register(KindExportData, Options{Lock: ExportDataLock}, r.pioCapture([]string{"run", "export_experiment_data"}))
	e.Register(KindPios, Options{}, r.pios)
	e.Register(KindAddWorker, Options{}, r.addNewPioreactor)
	e.Register(KindUpdateCluster, Options{Lock: UpdateLock}, r.updateAppAcrossCluster)
	e.Register(KindUpdateArchive, Options{Lock: UpdateLock}, r.updateAppFromArchive)
	e.Register(KindRM, Options{}, r.rm)
	e.Register(KindShutdown, Options{}, r.command("sudo", "shutdown", "-h", "now"))
	e.Register(KindReboot, Options{}, r.reboot)
	e.Register(KindSaveFile, Options{}, r.saveFile)
	e.Register(KindWriteConfig, Options{}, r.writeConfigAndSync)

	e.Register(KindMulticastGet, Options{Priority: 5}, r.multicast(cluster.GET))
	e.Register(KindMulticastPost, Options{Priority: 5}, r.multicast(cluster.POST))
	e.Register(KindMulticastPatch, Options{Priority: 5}, r.multicast(cluster.PATCH))
	e.Register(KindMulticastDelete, Options{Priority: 5}, r.multicast(cluster.DELETE))
}

func decode[T any](payload json.RawMessage) (T, error) {
	var args T
	if len(payload) == 0 {
		return args, nil
	}
	var err = json.Unmarshal(payload, &args)
	return args, err
}

// environ merges the caller's filtered variables over the process
// environment.
func environ(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	var env = os.Environ()
	for key, value := range FilterEnv(extra) {
		env = append(env, key+"="+value)
	}
	return env
}

func logExec(name string, args []string) {
	log.WithField("command", name+" "+strings.Join(args, " ")).Info("executing")
}

// pioCapture runs pio with a fixed prefix plus the payload's args, capturing
// combined output into the task result.
func (r *Runner) pioCapture(prefix []string) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args, err = decode[ShellArgs](payload)
		if err != nil {
			return nil, err
		}
		var full = append(append([]string{}, prefix...), args.Args...)
		logExec("pio", full)

		var cmd = exec.CommandContext(ctx, r.Config.PioExecutable, full...)
		cmd.Env = environ(args.Env)
		var out, runErr = cmd.CombinedOutput()
		if runErr != nil {
			return CommandResult{OK: false, Output: strings.TrimSpace(string(out))}, nil
		}
		return CommandResult{OK: true, Output: strings.TrimSpace(string(out))}, nil
	}
}

// pioSilent runs a pio subcommand and reports only success or failure.
func (r *Runner) pioSilent(subcommand string) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args, err = decode[ShellArgs](payload)
		if err != nil {
			return nil, err
		}
		var full = append([]string{subcommand}, args.Args...)
		logExec("pio", full)

		var cmd = exec.CommandContext(ctx, r.Config.PioExecutable, full...)
		cmd.Env = environ(args.Env)
		return cmd.Run() == nil, nil
	}
}

// pioRun starts a long-running pio job detached from this process. The
// job's output and exit status are not tracked here; its lifecycle lives in
// MQTT and the local metadata database.
func (r *Runner) pioRun(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[ShellArgs](payload)
	if err != nil {
		return nil, err
	}
	var full = append([]string{"run"}, args.Args...)
	logExec("pio", full)

	var cmd = exec.Command(r.Config.PioExecutable, full...)
	cmd.Env = environ(args.Env)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting pio run: %w", err)
	}
	go cmd.Wait()
	return true, nil
}

func (r *Runner) pioPlugins(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[ShellArgs](payload)
	if err != nil {
		return nil, err
	}
	if len(args.Args) == 0 || (args.Args[0] != "install" && args.Args[0] != "uninstall") {
		return nil, fmt.Errorf("pio plugins supports install and uninstall only")
	}
	var full = append([]string{"plugins"}, args.Args...)
	logExec("pio", full)

	var cmd = exec.CommandContext(ctx, r.Config.PioExecutable, full...)
	cmd.Env = environ(args.Env)
	var runErr = cmd.Run()
	r.Cache.EvictTag("plugins")
	return runErr == nil, nil
}

// pioPluginsList returns `pio plugins list --json` output as parsed JSON.
// A plugin may print warnings first, so only the final stdout line is
// treated as the JSON document.
func (r *Runner) pioPluginsList(ctx context.Context, payload json.RawMessage) (any, error) {
	logExec("pio", []string{"plugins", "list", "--json"})
	var cmd = exec.CommandContext(ctx, r.Config.PioExecutable, "plugins", "list", "--json")
	var out, err = cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pio plugins list: %w", err)
	}
	var lines = strings.Split(strings.TrimSpace(string(out)), "\n")
	var last = lines[len(lines)-1]
	var plugins json.RawMessage
	if err = json.Unmarshal([]byte(last), &plugins); err != nil {
		return nil, fmt.Errorf("pio plugins list produced invalid JSON: %w", err)
	}
	return plugins, nil
}

// pioDetachedUpdate runs updates which restart this very process. The exit
// status is meaningless (the update kills its parent), so the task reports
// success on launch.
func (r *Runner) pioDetachedUpdate(subcommand ...string) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args, err = decode[ShellArgs](payload)
		if err != nil {
			return nil, err
		}
		var full = append(append([]string{}, subcommand...), args.Args...)
		logExec("pio", full)

		var cmd = exec.Command(r.Config.PioExecutable, full...)
		cmd.Env = environ(args.Env)
		cmd.Run()
		r.Cache.EvictTag("app")
		return true, nil
	}
}

func (r *Runner) pioUpdateApp(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[ShellArgs](payload)
	if err != nil {
		return nil, err
	}
	var full = append([]string{"update", "app"}, args.Args...)
	logExec("pio", full)

	var cmd = exec.CommandContext(ctx, r.Config.PioExecutable, full...)
	cmd.Env = environ(args.Env)
	var runErr = cmd.Run()
	r.Cache.EvictTag("app")
	return runErr == nil, nil
}

func (r *Runner) pios(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[ShellArgs](payload)
	if err != nil {
		return nil, err
	}
	// pios prompts for confirmation without -y.
	var full = append(append([]string{}, args.Args...), "-y")
	logExec("pios", full)

	var cmd = exec.CommandContext(ctx, r.Config.PiosExecutable, full...)
	cmd.Env = environ(args.Env)
	var out, runErr = cmd.CombinedOutput()
	if runErr != nil {
		return CommandResult{OK: false, Output: strings.TrimSpace(string(out))}, nil
	}
	return CommandResult{OK: true, Output: strings.TrimSpace(string(out))}, nil
}

func (r *Runner) addNewPioreactor(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[NewWorkerArgs](payload)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"name": args.Name, "model": args.Model, "version": args.Version,
	}).Info("adding new pioreactor")

	var cmd = exec.CommandContext(ctx, r.Config.PioExecutable,
		"workers", "add", args.Name, "-v", args.Version, "-m", args.Model)
	var out, runErr = cmd.CombinedOutput()
	r.Cache.EvictTag("config")
	if runErr != nil {
		return CommandResult{OK: false, Output: strings.TrimSpace(string(out))}, nil
	}
	return CommandResult{OK: true, Output: strings.TrimSpace(string(out))}, nil
}

func (r *Runner) updateAppAcrossCluster(ctx context.Context, payload json.RawMessage) (any, error) {
	log.Info("updating app on leader")
	if err := exec.CommandContext(ctx, r.Config.PioExecutable, "update", "app").Run(); err != nil {
		return nil, fmt.Errorf("updating app on leader: %w", err)
	}
	r.Cache.EvictTag("app")

	log.Info("updating app and ui on workers")
	exec.CommandContext(ctx, r.Config.PiosExecutable, "update", "-y").Run()
	return true, nil
}

func (r *Runner) updateAppFromArchive(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[ArchiveArgs](payload)
	if err != nil {
		return nil, err
	}
	log.WithField("archive", args.Archive).Info("updating app on leader from archive")
	if err = exec.CommandContext(ctx, r.Config.PioExecutable,
		"update", "app", "--source", args.Archive).Run(); err != nil {
		return nil, fmt.Errorf("updating app on leader: %w", err)
	}
	r.Cache.EvictTag("app")

	log.WithField("archive", args.Archive).Info("updating app and ui on workers from archive")
	exec.CommandContext(ctx, r.Config.PiosExecutable, "cp", args.Archive, "-y").Run()
	exec.CommandContext(ctx, r.Config.PiosExecutable, "update", "--source", args.Archive, "-y").Run()
	return true, nil
}

func (r *Runner) rm(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[PathArgs](payload)
	if err != nil {
		return nil, err
	}
	log.WithField("path", args.Path).Info("deleting")
	if err = os.Remove(args.Path); err != nil {
		log.WithField("err", err).Error("delete failed")
		return false, nil
	}
	return true, nil
}

func (r *Runner) command(name string, args ...string) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		logExec(name, args)
		return exec.CommandContext(ctx, name, args...).Run() == nil, nil
	}
}

// leaderRebootDelay gives in-flight UI requests time to drain before the
// leader takes itself down. Workers reboot immediately.
const leaderRebootDelay = 5 * time.Second

func (r *Runner) reboot(ctx context.Context, payload json.RawMessage) (any, error) {
	if r.Config.IsLeader() {
		select {
		case <-time.After(leaderRebootDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.command("sudo", "reboot")(ctx, payload)
}

func (r *Runner) saveFile(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[SaveFileArgs](payload)
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
		log.WithField("err", err).Error("saving file")
		return false, nil
	}
	return true, nil
}

// writeConfigAndSync writes a config file on the leader and pushes it to the
// named units. A failed sync leaves the file written but reports failure.
func (r *Runner) writeConfigAndSync(ctx context.Context, payload json.RawMessage) (any, error) {
	var args, err = decode[WriteConfigArgs](payload)
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(args.Path, []byte(args.Text), 0o644); err != nil {
		log.WithField("err", err).Error("writing config")
		return CommandResult{OK: false, Output: "Could not sync configs to all Pioreactors."}, nil
	}

	var cmd = exec.CommandContext(ctx, r.Config.PiosExecutable,
		"sync-configs", "--units", args.Units, args.Flags)
	var out, runErr = cmd.CombinedOutput()
	if runErr != nil {
		log.WithField("stderr", strings.TrimSpace(string(out))).Error("syncing configs")
		return CommandResult{OK: false, Output: "Could not sync configs to all Pioreactors."}, nil
	}
	return CommandResult{OK: true, Output: ""}, nil
}

func (r *Runner) multicast(verb cluster.Verb) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args, err = decode[MulticastArgs](payload)
		if err != nil {
			return nil, err
		}
		var params url.Values
		if len(args.Params) > 0 {
			params = make(url.Values, len(args.Params))
			for key, value := range args.Params {
				params.Set(key, value)
			}
		}
		var timeout time.Duration // Multicast applies its default.
		return r.Cluster.Multicast(ctx, verb, args.Endpoint, args.Workers, args.Body, params, timeout)
	}
}
