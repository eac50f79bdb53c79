package kfmt

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerCarriesModuleTag(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(slog.New(slog.NewTextHandler(&buf, nil)))
	defer SetOutput(nil)

	Logger("vmm").Info("paging initialized", "frames", 42)

	out := buf.String()
	assert.Contains(t, out, "module=vmm")
	assert.Contains(t, out, "paging initialized")
	assert.Contains(t, out, "frames=42")
}

func TestDefaultOutputDiscards(t *testing.T) {
	SetOutput(nil)
	assert.NotPanics(t, func() {
		Logger("pmm").Debug("dropped on the floor")
	})
}
