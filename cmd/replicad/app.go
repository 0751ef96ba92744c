package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ringsidehq/replica/internal/replica/cache"
	"github.com/ringsidehq/replica/internal/replica/manager"
	"github.com/ringsidehq/replica/internal/replica/queue"
	"github.com/ringsidehq/replica/internal/replica/remote"
	"github.com/ringsidehq/replica/internal/replica/store"
	"github.com/ringsidehq/replica/internal/replica/syncer"
)

// app bundles the wired replication components for one command run.
type app struct {
	store    *store.Store
	queue    *queue.Queue
	syncer   *syncer.Syncer
	governor *cache.Governor
	manager  *manager.Manager
}

// openApp wires the full stack from viper configuration: store, queue,
// remote client, sync engine, governor, and manager.
func openApp(tenant string) (*app, error) {
	st, err := store.OpenWithConfig(viper.GetString("db"), &store.Config{
		TTL:    viper.GetDuration("store.ttl"),
		Logger: newLogger("[store] "),
	})
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	q := queue.New(st, newLogger("[queue] "))

	client, err := remote.NewClient(&remote.Config{
		BaseURL:   viper.GetString("remote.url"),
		TenantKey: tenant,
		Logger:    newLogger("[remote] "),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	gov := cache.New(st, &cache.Config{
		SoftLimitBytes: viper.GetInt64("cache.soft_limit_bytes"),
		TargetBytes:    viper.GetInt64("cache.target_bytes"),
		Logger:         newLogger("[cache] "),
	})

	sy := syncer.New(st, q, client, gov, &syncer.Config{
		PageSize:          viper.GetInt("sync.page_size"),
		FullSyncThreshold: viper.GetInt("sync.full_threshold"),
		FullSyncInterval:  viper.GetDuration("sync.full_interval"),
		MaxAttempts:       viper.GetInt("sync.max_attempts"),
		RetryBackoffBase:  2 * time.Second,
		Logger:            newLogger("[sync] "),
	})

	mgr := manager.New(st, q, sy, gov, &manager.Config{
		AutoSyncInterval: viper.GetDuration("sync.interval"),
		SessionFile:      viper.GetString("session_file"),
		Logger:           newLogger("[manager] "),
	})
	mgr.SetTenant(tenant)

	return &app{
		store:    st,
		queue:    q,
		syncer:   sy,
		governor: gov,
		manager:  mgr,
	}, nil
}

// Close releases everything openApp wired up.
func (a *app) Close() {
	a.manager.Close()
	a.store.Close()
}
