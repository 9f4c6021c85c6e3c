// Package config holds the probe's configuration surface: command-line
// options, the optional YAML site config, and logger construction.
//
// Configuration is resolved in three layers. Built-in defaults cover a
// stock deployment, the YAML file overrides them per site, and
// command-line flags override both for a single invocation. Load applies
// the layers in that order and validates the merged result once, so the
// rest of the program never re-checks configuration.
//
// Secrets never live in the file itself. The Zulip API key is named by
// the environment variable that carries it (api_key_env) and resolved at
// send time through ZulipConfig.APIKey.
package config
