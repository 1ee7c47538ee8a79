package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen addresses, provider, reduce model, archive) needs a restart and is
// reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ReloadAfterChanged bool
	NewReloadAfter     int

	GateTimeoutChanged bool
	NewGateTimeout     time.Duration

	MaxRecordsChanged bool
	NewMaxRecords     int

	// RestartRequired lists the dotted names of changed fields that only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ReloadAfterChanged || d.GateTimeoutChanged || d.MaxRecordsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Model.ReloadAfter != new.Model.ReloadAfter {
		d.ReloadAfterChanged = true
		d.NewReloadAfter = new.Model.ReloadAfter
	}
	if old.Gate.Timeout != new.Gate.Timeout {
		d.GateTimeoutChanged = true
		d.NewGateTimeout = new.Gate.Timeout
	}
	if old.Limits.MaxRecords != new.Limits.MaxRecords {
		d.MaxRecordsChanged = true
		d.NewMaxRecords = new.Limits.MaxRecords
	}

	if old.Server.HTTP != new.Server.HTTP {
		d.RestartRequired = append(d.RestartRequired, "server.http")
	}
	if old.Server.Socket != new.Server.Socket {
		d.RestartRequired = append(d.RestartRequired, "server.socket")
	}
	if !providerEqual(old.Model.Provider, new.Model.Provider) {
		d.RestartRequired = append(d.RestartRequired, "model.provider")
	}
	if old.Model.Language != new.Model.Language {
		d.RestartRequired = append(d.RestartRequired, "model.language")
	}
	if old.Model.ReloadRetries != new.Model.ReloadRetries {
		d.RestartRequired = append(d.RestartRequired, "model.reload_retries")
	}
	if old.Model.ReduceModel != new.Model.ReduceModel {
		d.RestartRequired = append(d.RestartRequired, "model.reduce_model")
	}
	if old.Model.CircuitBreaker != new.Model.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "model.circuit_breaker")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}

	return d
}

// providerEqual compares two provider entries, treating nil and empty
// option maps as equal.
func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
