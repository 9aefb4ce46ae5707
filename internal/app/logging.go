package app

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/heartline/internal/config"
)

var log = logging.Logger("app")

// SetupLogging applies the log section of the config to every go-log logger.
func SetupLogging(c config.Log) error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	format := logging.ColorizedOutput
	switch c.Format {
	case "plaintext":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	return nil
}
