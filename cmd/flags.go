package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func logLevelFlag(v *viper.Viper) string {
	return v.GetString("log.level")
}

func addLogLevelFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-level", "info", "log level")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

func logFormatFlag(v *viper.Viper) string {
	return v.GetString("log.format")
}

func addLogFormatFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-format", "json", "log format (json or console)")
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindEnv("log.format", "LOG_FORMAT")
}

func metricsFileFlag(v *viper.Viper) string {
	return v.GetString("metrics.file")
}

func addMetricsFileFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("metrics-file", "", "write storage metrics to this file in the prometheus text format")
	_ = v.BindPFlag("metrics.file", flags.Lookup("metrics-file"))
	_ = v.BindEnv("metrics.file", "METRICS_FILE")
}

func addPayloadFlags(flags *pflag.FlagSet, what string) {
	flags.String("data", "", what+" given inline")
	flags.String("file", "", "file to read the "+what+" from")
}

// payloadFlag reads the bytes given with --data or --file.
func payloadFlag(cmd *cobra.Command) ([]byte, error) {
	file, _ := cmd.Flags().GetString("file")
	data, _ := cmd.Flags().GetString("data")
	if file != "" && data != "" {
		return nil, errors.New("--data and --file are mutually exclusive")
	}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", file)
		}
		return b, nil
	}
	return []byte(data), nil
}
