// Package openapi embeds the OpenAPI description of the registry HTTP API.
package openapi

import _ "embed"

//go:embed medtrace.yaml
var registrySpec []byte

// Spec returns a copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), registrySpec...)
}
