package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/queue"
	"github.com/basket/voxdesk/internal/voice"
)

type commandContext struct {
	homeFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(homeFlag *string) *commandContext {
	return &commandContext{homeFlag: homeFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.homeFlag != nil {
			if home := strings.TrimSpace(*c.homeFlag); home != "" {
				if err := os.Setenv("VOXDESK_HOME", home); err != nil {
					c.configErr = err
					return
				}
			}
		}
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		c.config = &cfg
	})
	return c.config, c.configErr
}

// withStore opens the database for one command. Commands run while the
// server is up share the file through SQLite's WAL.
func (c *commandContext) withStore(fn func(*persistence.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), bus.New())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// withQueue is withStore plus a queue service dialing the configured provider.
func (c *commandContext) withQueue(fn func(*persistence.Store, *queue.Service) error) error {
	return c.withStore(func(store *persistence.Store) error {
		cfg := c.config
		client := voice.NewClient(cfg.Voice.BaseURL, cfg.Voice.APIKey, time.Duration(cfg.Voice.TimeoutSeconds)*time.Second)
		svc := queue.New(queue.Options{
			Store:      store,
			Dialer:     client,
			Config:     cfg.Queue,
			FromNumber: cfg.Voice.FromNumber,
		})
		return fn(store, svc)
	})
}

// lookupUser resolves a profile by id or email.
func lookupUser(ctx context.Context, store *persistence.Store, ref string) (*persistence.Profile, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("user is required")
	}
	if p, err := store.GetProfile(ctx, ref); err == nil {
		return p, nil
	}
	all, err := store.ListProfiles(ctx, persistence.ProfileFilter{})
	if err != nil {
		return nil, err
	}
	for i := range all {
		if strings.EqualFold(all[i].Email, ref) {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", ref, persistence.ErrNotFound)
}
