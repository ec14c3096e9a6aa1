// Package assets loads the asset definitions used to annotate spending
// limits and API responses, including token addresses, symbols, and decimal
// precision. Definitions are declared in a YAML file so that deployments can
// extend the registry without rebuilding the daemon.
package assets
