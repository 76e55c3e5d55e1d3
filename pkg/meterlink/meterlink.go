// Package meterlink is the public entry point of the acquisition engine.
package meterlink

import (
	"context"

	"go.uber.org/zap"

	"meterlink/internal/acquisition"
	"meterlink/internal/config"
	"meterlink/internal/history"
	"meterlink/internal/model"
	"meterlink/internal/tasks"
)

// Options re-exposes the tasks.Options type for external callers.
type Options = tasks.Options

type (
	Config     = config.Config
	Connection = config.Connection
	Reading    = model.Reading
	Quantity   = model.Quantity
	SourceMode = model.SourceMode
	Status     = acquisition.Status
	State      = acquisition.State
	Summary    = history.Summary
	Engine     = tasks.Engine
)

const (
	SourceHardware  = model.SourceHardware
	SourceSimulated = model.SourceSimulated
)

// Run starts the engine with the given options using the internal tasks implementation.
func Run(ctx context.Context, opts Options) error {
	return tasks.InitAndRunEngine(ctx, opts)
}

// LoadConfig reads a YAML config and applies the option overrides.
func LoadConfig(opts Options) (Config, error) { return tasks.LoadConfig(opts) }

// New builds an engine without starting it. A nil logger discards output.
func New(cfg Config, logger *zap.SugaredLogger) *Engine { return tasks.NewEngine(cfg, logger) }
