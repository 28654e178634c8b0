// Package config loads the static configuration of a stanza project.
//
// # Overview
//
// A project is described by one file in its root directory, looked up in this
// order: stanza.yaml, stanza.yml, stanza.toml, stanza.cue. Without a project
// file the defaults apply: a "client" browser bundle served from / and an
// auto-started "server" runtime bundle.
//
// CUE files are unified with an embedded #Project schema and must be
// concrete. Declared bundles replace the default bundle set.
//
// # Environment
//
// A .env file in the project root is read if present. SERVER_HOST and
// CLIENT_DEVSERVER_PORT override the host and the development server port;
// variables set in the process environment win over the .env file.
//
// # Defines
//
// Every bundle is compiled with process.env.NODE_ENV, process.env.IS_CLIENT,
// process.env.IS_SERVER and process.env.IS_NODE. A project may pass these
// through a Starlark script (plugins.envConfig) defining:
//
//	def env_config(env, build):
//	    env["process.env.API_URL"] = '"https://api.example.com"'
//	    return env
//
// where build carries the bundle name, target and mode.
//
// # Watching
//
// Watcher reports debounced changes of the project file, the .env file, the
// env config script and the config/ directory. The development command uses
// it to trigger a full restart.
package config
