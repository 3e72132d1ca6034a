// Package defaults embeds the files written by otanode init.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is the example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvFile is the template for the .env file holding the access token.
var EnvFile = []byte("# Device access token from the ThingsBoard device page.\nTHINGSBOARD_TOKEN=\n")
