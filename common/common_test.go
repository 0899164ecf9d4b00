package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigureLoggerLevels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  logrus.Level
	}{
		{"Debug", "debug", logrus.DebugLevel},
		{"Info", "info", logrus.InfoLevel},
		{"Warn", "warn", logrus.WarnLevel},
		{"Error", "error", logrus.ErrorLevel},
		{"UnknownFallsBackToInfo", "chatty", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ConfigureLogger(LoggerConfig{Level: tt.level})
			assert.Equal(t, tt.want, Logger.GetLevel())
		})
	}
}

func TestConfigureLoggerFormats(t *testing.T) {
	ConfigureLogger(LoggerConfig{Level: "info", Format: "json"})
	_, isJSON := Logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	ConfigureLogger(LoggerConfig{Level: "info", Format: "text"})
	_, isText := Logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}
