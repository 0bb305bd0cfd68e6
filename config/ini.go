package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// NormalizeDashes replaces unicode en and em dashes with ASCII dashes.
// Copy-pasted configs from rich-text editors often carry them.
func NormalizeDashes(code string) string {
	code = strings.ReplaceAll(code, "–", "-") // en-dash
	code = strings.ReplaceAll(code, "—", "-") // em-dash
	return code
}

// ValidationError is a user-facing INI validation failure.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// ValidateINI parses `code` strictly, rejecting duplicate sections,
// duplicate options within a section, and malformed lines. ini.v1 silently
// merges duplicates, so the duplicate scan runs first.
func ValidateINI(code string) error {
	if err := scanForDuplicates(code); err != nil {
		return err
	}
	if _, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, []byte(code)); err != nil {
		return &ValidationError{Msg: "Incorrect syntax. Please fix and try again."}
	}
	return nil
}

// ValidateClusterConfig applies the extra checks required of the shared
// config.ini: the cluster topology and mqtt sections must exist, and
// addresses must not carry an http(s) scheme.
func ValidateClusterConfig(code string) error {
	if err := ValidateINI(code); err != nil {
		return err
	}

	var cfg, err = ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, []byte(code))
	if err != nil {
		return &ValidationError{Msg: "Incorrect syntax. Please fix and try again."}
	}

	var missing []string
	var topology = cfg.Section("cluster.topology")
	if !cfg.HasSection("cluster.topology") {
		missing = append(missing, "[cluster.topology]")
	}
	if topology.Key("leader_hostname").String() == "" {
		missing = append(missing, "cluster.topology.leader_hostname")
	}
	if topology.Key("leader_address").String() == "" {
		missing = append(missing, "cluster.topology.leader_address")
	}
	if !cfg.HasSection("mqtt") {
		missing = append(missing, "[mqtt]")
	}
	if len(missing) > 0 {
		return &ValidationError{Msg: fmt.Sprintf("Missing required field(s): %s", strings.Join(missing, ", "))}
	}

	var leaderAddress = topology.Key("leader_address").String()
	var brokerAddress = cfg.Section("mqtt").Key("broker_address").String()
	for _, address := range []string{leaderAddress, brokerAddress} {
		if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
			return &ValidationError{Msg: "Don't start addresses with http:// or https://"}
		}
	}
	return nil
}

func scanForDuplicates(code string) error {
	var section = "DEFAULT"
	var seenSections = map[string]bool{}
	var seenOptions = map[string]bool{}

	for _, line := range strings.Split(code, "\n") {
		var trimmed = strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";"):
			continue
		case strings.HasPrefix(trimmed, "["):
			if !strings.HasSuffix(trimmed, "]") {
				return &ValidationError{Msg: "Incorrect syntax. Please fix and try again."}
			}
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			if seenSections[section] {
				return &ValidationError{Msg: fmt.Sprintf("Duplicate section [%s] was found. Please fix and try again.", section)}
			}
			seenSections[section] = true
		default:
			var idx = strings.IndexAny(trimmed, "=:")
			var option string
			if idx < 0 {
				option = trimmed // allow_no_value style option
			} else {
				option = strings.TrimSpace(trimmed[:idx])
			}
			if option == "" {
				return &ValidationError{Msg: "Incorrect syntax. Please fix and try again."}
			}
			// continuation lines are indented in configparser; accept them.
			if line != "" && (line[0] == ' ' || line[0] == '\t') {
				continue
			}
			var key = section + "\x00" + strings.ToLower(option)
			if seenOptions[key] {
				return &ValidationError{Msg: fmt.Sprintf("Duplicate option, `%s`, was found in section [%s]. Please fix and try again.", option, section)}
			}
			seenOptions[key] = true
		}
	}
	return nil
}
