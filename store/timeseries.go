package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Time-series reads return the nested {"series": [...], "data": [...]}
// aggregate assembled inside SQLite, so rows never round-trip through Go.
//
// filterModN thins dense series: a golden-ratio hash of ROWID keeps roughly
// one row in N, stable across queries.

const goldenRatio = "0.61803398875"

func lookbackModifier(lookbackHours float64) string {
	return fmt.Sprintf("-%g hours", lookbackHours)
}

func (s *Store) seriesQuery(inner, experiment string, filterModN, lookbackHours float64) (json.RawMessage, error) {
	var result sql.NullString
	var err = s.queryRow(&result,
		`SELECT json_object('series', json_group_array(unit), 'data', json_group_array(json(data))) AS result FROM (`+inner+`)`,
		experiment, filterModN, lookbackModifier(lookbackHours))
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return json.RawMessage(`{"series":[],"data":[]}`), nil
	}
	return json.RawMessage(result.String), nil
}

// GrowthRates aggregates per-unit growth rate series for an experiment.
func (s *Store) GrowthRates(experiment string, filterModN, lookbackHours float64) (json.RawMessage, error) {
	return s.seriesQuery(
		`SELECT pioreactor_unit AS unit,
		        json_group_array(json_object('x', timestamp, 'y', round(rate, 5))) AS data
		 FROM growth_rates
		 WHERE experiment = ?
		   AND ((ROWID * `+goldenRatio+`) - cast(ROWID * `+goldenRatio+` AS int) < 1.0 / ?)
		   AND timestamp > STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW', ?)
		 GROUP BY 1`,
		experiment, filterModN, lookbackHours)
}

// TemperatureReadings aggregates per-unit temperature series.
func (s *Store) TemperatureReadings(experiment string, filterModN, lookbackHours float64) (json.RawMessage, error) {
	return s.seriesQuery(
		`SELECT pioreactor_unit AS unit,
		        json_group_array(json_object('x', timestamp, 'y', round(temperature_c, 2))) AS data
		 FROM temperature_readings
		 WHERE experiment = ?
		   AND ((ROWID * `+goldenRatio+`) - cast(ROWID * `+goldenRatio+` AS int) < 1.0 / ?)
		   AND timestamp > STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW', ?)
		 GROUP BY 1`,
		experiment, filterModN, lookbackHours)
}

// ODReadingsFiltered aggregates per-unit normalized OD series.
func (s *Store) ODReadingsFiltered(experiment string, filterModN, lookbackHours float64) (json.RawMessage, error) {
	return s.seriesQuery(
		`SELECT pioreactor_unit AS unit,
		        json_group_array(json_object('x', timestamp, 'y', round(normalized_od_reading, 7))) AS data
		 FROM od_readings_filtered
		 WHERE experiment = ?
		   AND ((ROWID * `+goldenRatio+`) - cast(ROWID * `+goldenRatio+` AS int) < 1.0 / ?)
		   AND timestamp > STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW', ?)
		 GROUP BY 1`,
		experiment, filterModN, lookbackHours)
}

// ODReadings aggregates raw OD series, one series per unit-channel pair.
func (s *Store) ODReadings(experiment string, filterModN, lookbackHours float64) (json.RawMessage, error) {
	return s.seriesQuery(
		`SELECT pioreactor_unit || '-' || channel AS unit,
		        json_group_array(json_object('x', timestamp, 'y', round(od_reading, 7))) AS data
		 FROM od_readings
		 WHERE experiment = ?
		   AND ((ROWID * `+goldenRatio+`) - cast(ROWID * `+goldenRatio+` AS int) < 1.0 / ?)
		   AND timestamp > STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW', ?)
		 GROUP BY 1`,
		experiment, filterModN, lookbackHours)
}

// ScrubIdentifier reduces a table or column name to alphanumerics and
// underscores, and forbids the sqlite_ internal namespace. It guards the
// fallback time-series path, the only place identifiers reach SQL from a URL.
func ScrubIdentifier(value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("empty identifier")
	}
	if strings.HasPrefix(value, "sqlite_") {
		return "", fmt.Errorf("reserved identifier %q", value)
	}
	var b strings.Builder
	for _, r := range value {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("invalid identifier %q", value)
	}
	return b.String(), nil
}

// FallbackTimeSeries aggregates any (table, column) pair for charts without
// a dedicated query. dataSource and column are scrubbed before reaching SQL.
func (s *Store) FallbackTimeSeries(dataSource, column, experiment string, lookbackHours float64) (json.RawMessage, error) {
	var table, err = ScrubIdentifier(dataSource)
	if err != nil {
		return nil, err
	}
	col, err := ScrubIdentifier(column)
	if err != nil {
		return nil, err
	}

	var result sql.NullString
	err = s.queryRow(&result,
		`SELECT json_object('series', json_group_array(unit), 'data', json_group_array(json(data))) AS result FROM (
		     SELECT pioreactor_unit AS unit,
		            json_group_array(json_object('x', timestamp, 'y', round(`+col+`, 7))) AS data
		     FROM `+table+`
		     WHERE experiment = ?
		       AND timestamp > STRFTIME('%Y-%m-%dT%H:%M:%f000Z', 'NOW', ?)
		       AND `+col+` IS NOT NULL
		     GROUP BY 1)`,
		experiment, lookbackModifier(lookbackHours))
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return json.RawMessage(`{"series":[],"data":[]}`), nil
	}
	return json.RawMessage(result.String), nil
}

// MediaRate is the hourly media throughput of one unit.
type MediaRate struct {
	MediaRate    float64 `json:"mediaRate"`
	AltMediaRate float64 `json:"altMediaRate"`
}

// MediaRates sums automated dosing volumes over the last three hours,
// normalized to an hourly rate, keyed by unit with an "all" aggregate.
// Manual doses are excluded.
func (s *Store) MediaRates(experiment string) (map[string]MediaRate, error) {
	var rows = []struct {
		PioreactorUnit string  `db:"pioreactor_unit"`
		MediaRate      float64 `db:"media_rate"`
		AltMediaRate   float64 `db:"alt_media_rate"`
	}{}
	var err = s.queryRows(&rows,
		`SELECT d.pioreactor_unit,
		        SUM(CASE WHEN event = 'add_media' THEN volume_change_ml ELSE 0 END) / 3 AS media_rate,
		        SUM(CASE WHEN event = 'add_alt_media' THEN volume_change_ml ELSE 0 END) / 3 AS alt_media_rate
		 FROM dosing_events d
		 WHERE datetime(d.timestamp) >= datetime('now', '-3 hours')
		   AND event IN ('add_alt_media', 'add_media')
		   AND source_of_event LIKE 'dosing_automation%'
		   AND experiment = ?
		 GROUP BY d.pioreactor_unit`, experiment)
	if err != nil {
		return nil, err
	}

	var out = make(map[string]MediaRate, len(rows)+1)
	var all MediaRate
	for _, row := range rows {
		out[row.PioreactorUnit] = MediaRate{MediaRate: row.MediaRate, AltMediaRate: row.AltMediaRate}
		all.MediaRate += row.MediaRate
		all.AltMediaRate += row.AltMediaRate
	}
	out["all"] = all
	return out, nil
}

// PreviewRows runs an exportable dataset's table or query with a row limit,
// returning rows as generic maps.
func (s *Store) PreviewRows(tableOrQuery string, nRows int) ([]map[string]any, error) {
	var rows, err = s.db.Queryx(fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", tableOrQuery, nRows))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out = []map[string]any{}
	for rows.Next() {
		var row = map[string]any{}
		if err = rows.MapScan(row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AppendConfigHistory records a config file revision.
func (s *Store) AppendConfigHistory(filename string, data []byte) error {
	var _, err = s.Modify(
		`INSERT INTO config_files_histories (filename, timestamp, data) VALUES (?, ?, ?)`,
		filename, CurrentUTCTimestamp(), data)
	return err
}

// ConfigHistoryRow is one saved revision of a config file.
type ConfigHistoryRow struct {
	Filename  string `db:"filename" json:"filename"`
	Timestamp string `db:"timestamp" json:"timestamp"`
	Data      []byte `db:"data" json:"data"`
}

func (s *Store) ConfigHistory(filename string) ([]ConfigHistoryRow, error) {
	var out = []ConfigHistoryRow{}
	var err = s.queryRows(&out,
		`SELECT filename, timestamp, data FROM config_files_histories WHERE filename = ? ORDER BY timestamp DESC`,
		filename)
	return out, err
}

// DeleteConfigHistory drops every saved revision of a config file.
func (s *Store) DeleteConfigHistory(filename string) error {
	var _, err = s.Modify(`DELETE FROM config_files_histories WHERE filename = ?`, filename)
	return err
}
