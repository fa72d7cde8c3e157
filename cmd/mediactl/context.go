package main

import (
	"context"
	"strings"
	"sync"

	"github.com/your-org/mediaflow/internal/app"
	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/observability"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withApp builds the services for one command and tears them down afterwards.
// Commands only enqueue work; inference runs on the workers.
func (c *commandContext) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	level := "warn"
	if c.verbose != nil && *c.verbose {
		level = "debug"
	}
	logger := observability.SetupLogger(level, "text")

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
