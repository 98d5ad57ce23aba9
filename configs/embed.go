// Package configs holds the annotated configuration templates written by
// `yiana config init`. They are embedded so every build carries them.
package configs

import _ "embed"

// RepositoryConfigTemplate is written to <root>/.yiana.yaml.
//
//go:embed repository-config.example.yaml
var RepositoryConfigTemplate string

// UserConfigTemplate is written to the user config path with --user.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// Template returns the template for the user or repository file.
func Template(user bool) string {
	if user {
		return UserConfigTemplate
	}
	return RepositoryConfigTemplate
}
