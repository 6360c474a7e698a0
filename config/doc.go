// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration
// structure: the listening server, the proxy mount and backend, analytics
// events, backend session tuning and logging.
package config
