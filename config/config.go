// Package config holds the runtime configuration shared by the leader API,
// the unit API, and the background task consumer.
package config

import (
	"os"
	"path/filepath"
)

// Sentinels used in URL paths, topics, and log rows.
const (
	// UniversalIdentifier expands to every active worker when used in a
	// pioreactor_unit position.
	UniversalIdentifier = "$broadcast"
	// UniversalExperiment matches any experiment in topics and log rows.
	UniversalExperiment = "$experiment"
)

// Feature files. Their presence under the dot-pioreactor directory disables
// the corresponding UI surface.
const (
	DisallowUIInstalls   = "DISALLOW_UI_INSTALLS"
	DisallowUIUploads    = "DISALLOW_UI_UPLOADS"
	DisallowUIFileSystem = "DISALLOW_UI_FILE_SYSTEM"
)

// Config is the runtime configuration of a pioreactorui process.
// It's parsed from flags and the environment by go-flags.
type Config struct {
	UnitName       string `long:"unit-name" env:"HOSTNAME" description:"This node's pioreactor unit name"`
	LeaderHostname string `long:"leader-hostname" env:"LEADER_HOSTNAME" description:"Unit name of the cluster leader"`

	DotPioreactor string `long:"dot-pioreactor" env:"DOT_PIOREACTOR" default:"/home/pioreactor/.pioreactor" description:"Root of pioreactor state (configs, plugins, storage)"`
	WWW           string `long:"www" env:"WWW" default:"/var/www/pioreactorui" description:"Root of the static frontend assets"`
	CacheDir      string `long:"cache-dir" env:"CACHE_DIR" default:"/tmp/pioreactorui_cache" description:"Directory of the task queue database and scratch files"`

	Listen        string `long:"listen" env:"LISTEN" default:":80" description:"HTTP listen address"`
	BrokerAddress string `long:"broker-address" env:"BROKER_ADDRESS" default:"localhost" description:"MQTT broker address"`
	WorkerPort    int    `long:"worker-port" env:"WORKER_PORT" default:"80" description:"Port of the unit API on each worker"`

	UILogFile string `long:"ui-log-file" env:"UI_LOG_FILE" default:"/var/log/pioreactor.log" description:"UI log file, mirrored to the log topic"`

	PioExecutable  string `long:"pio-executable" env:"PIO_EXECUTABLE" default:"/usr/local/bin/pio" description:"Path of the pio executable"`
	PiosExecutable string `long:"pios-executable" env:"PIOS_EXECUTABLE" default:"/usr/local/bin/pios" description:"Path of the pios executable"`
}

// IsLeader is true when this process runs on the cluster leader.
func (c *Config) IsLeader() bool { return c.UnitName == c.LeaderHostname }

// DBPath is the primary application database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DotPioreactor, "storage", "pioreactor.sqlite")
}

// LocalMetadataDBPath is the per-node database of running job metadata and
// published settings, written by the pioreactor app.
func (c *Config) LocalMetadataDBPath() string {
	return filepath.Join(c.DotPioreactor, "storage", "local_intermittent_pioreactor_metadata.sqlite")
}

// TaskDBPath is the durable task queue database.
func (c *Config) TaskDBPath() string { return filepath.Join(c.CacheDir, "tasks.sqlite") }

func (c *Config) CalibrationsDir() string {
	return filepath.Join(c.DotPioreactor, "storage", "calibrations")
}

func (c *Config) PluginsDir() string { return filepath.Join(c.DotPioreactor, "plugins") }

func (c *Config) ExperimentProfilesDir() string {
	return filepath.Join(c.DotPioreactor, "experiment_profiles")
}

func (c *Config) ExportableDatasetsDir() string {
	return filepath.Join(c.DotPioreactor, "exportable_datasets")
}

func (c *Config) ExportsDir() string { return filepath.Join(c.WWW, "static", "exports") }

// FeatureDisabled reports whether the named feature file is present.
func (c *Config) FeatureDisabled(feature string) bool {
	var _, err = os.Stat(filepath.Join(c.DotPioreactor, feature))
	return err == nil
}

// LocalAccessPointActive reports whether this node is serving its own
// access point, as flagged by the boot partition.
func LocalAccessPointActive() bool {
	var _, err = os.Stat("/boot/firmware/local_access_point")
	return err == nil
}
