package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"

	"conveyor/internal/api"
	"conveyor/internal/config"
)

type commandContext struct {
	addrFlag   *string
	tokenFlag  *string
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(addrFlag, tokenFlag, configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		addrFlag:   addrFlag,
		tokenFlag:  tokenFlag,
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// client builds an API client from the --addr/--token flags, falling back
// to the configured daemon bind address.
func (c *commandContext) client() (*api.Client, error) {
	addr := ""
	if c.addrFlag != nil {
		addr = strings.TrimSpace(*c.addrFlag)
	}
	token := ""
	if c.tokenFlag != nil {
		token = strings.TrimSpace(*c.tokenFlag)
	}

	if addr == "" || token == "" {
		cfg, err := c.ensureConfig()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = strings.TrimSpace(cfg.Paths.APIBind)
		}
		if token == "" {
			token = strings.TrimSpace(cfg.Paths.APIToken)
		}
	}
	if addr == "" {
		return nil, errors.New("no daemon address: set --addr or configure api_bind")
	}
	return api.NewClient(addr, token), nil
}

// wrapClientError turns connection failures into actionable messages.
func wrapClientError(err error, addr string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("connect to daemon at %s: connection refused; start the daemon with `conveyord`", addr)
	}
	return err
}
