package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/licensekit/licensectl/internal/app"
)

// flagKeys maps CLI flags onto config keys. Only flags set explicitly
// override lower layers.
var flagKeys = map[string]string{
	"base-url":     "api.base_url",
	"storage":      "auth.storage",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-exporter": "log.exporter",
	"listen":       "proxy.listen",
}

// loadConfig merges defaults, the config file, the environment and CLI flags.
func loadConfig(path string, cmd *cli.Command, environ func() []string) (*app.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if cmd.IsSet(flag) {
			overrides[key] = cmd.String(flag)
		}
	}
	return app.LoadConfig(path, environ, overrides)
}
