// Package config loads chatlink configuration from YAML files.
//
// Configuration supports environment variable expansion using ${VAR_NAME}
// syntax and duration strings like "30s" or "5m" for stream backoff tuning.
// The API origin is injected here; nothing else in the repository knows or
// cares where the server lives.
package config
