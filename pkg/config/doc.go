// Package config loads deployctl's settings and deployment manifests.
//
// Settings come from viper: built-in defaults, an optional config file in the
// data directory (or one named with --config), and DEPLOYCTL_* environment
// variables, in increasing order of precedence.
//
//	v := config.NewViper()
//	settings, err := config.LoadSettings(v, "")
//
// Manifests are CUE files with a single deployment value. They are unified
// with a closed schema so unknown fields and bad methods are reported with
// their source positions, then checked with struct tags.
//
//	deployment: {
//		name:     "install-terminal"
//		method:   "ssh"
//		template: "install_terminal.sh"
//		tags:     ["web"]
//		variables: font_name: "Victor Mono"
//		variables_script: """
//			team_config_json = json.encode({"font": font_name})
//			"""
//	}
//
// A manifest's variables_script is Starlark. It sees the static variables as
// predeclared names plus the struct builtin and the json module, and may not
// load other files. Its public globals are merged over the static variables
// before the deployment is created. Scripts are bounded by a step limit and a
// timeout.
package config
