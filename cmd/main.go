package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log   *zap.SugaredLogger
	cpath string
)

func main() {
	log = newLogger().Sugar()

	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:   "dataapi",
		Short: "A data API gateway request-translation engine",
	}
	rootCmd.PersistentFlags().StringVar(&cpath, "config", "./config.json", "path to the runtime config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateConfigCmd())
	rootCmd.AddCommand(printSchemaCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}

// newLogger builds the CLI's console logger, grounded on the teacher's
// cmd.go newLogger/newLoggerWithOutput console-encoder setup.
func newLogger() *zap.Logger {
	econf := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		NameKey:        "logger",
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(econf), zapcore.AddSync(os.Stdout), zap.InfoLevel)
	return zap.New(core)
}
