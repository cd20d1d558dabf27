package main

import (
	"os"

	"github.com/cyberinferno/go-rudp/logger"
)

func newLogger(service string, flags *globalFlags, override string) (logger.Logger, error) {
	raw := flags.logLevel
	if override != "" {
		raw = override
	}
	level := logger.ParseLevel(raw)

	if flags.logDir != "" {
		return logger.NewZerologFileLogger(service, flags.logDir, level)
	}
	return logger.NewConsoleLogger(os.Stderr, service, level), nil
}
