package logger

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// New builds a production logger. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	c := zap.NewProductionConfig()
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	c.Level = atomicLevel
	switch format {
	case "json", "console":
		c.Encoding = format
	default:
		return nil, errors.Errorf("invalid log format %q", format)
	}
	c.OutputPaths = []string{"stderr"}
	return c.Build()
}
