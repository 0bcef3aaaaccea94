package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/api"
	"github.com/netplay64/netplay64/internal/db"
	"github.com/netplay64/netplay64/internal/health"
	"github.com/netplay64/netplay64/internal/rendezvous"
	"github.com/netplay64/netplay64/internal/scheduler"
)

type rendezvousCmd struct {
	Listen string `help:"Listen address, overriding rendezvous.listen_addr."`
}

func (r *rendezvousCmd) Run(g *Globals) error {
	a, err := bootstrap(g, "rendezvous")
	if err != nil {
		return err
	}
	if err := a.validate(false); err != nil {
		return err
	}

	rvCfg := a.cfg.GetRendezvous()
	if r.Listen != "" {
		rvCfg.ListenAddr = r.Listen
	}

	store, err := db.NewRoomStore(rvCfg.DatabasePath, rvCfg.CodeDigits, rvCfg.RoomTTL())
	if err != nil {
		return fmt.Errorf("failed to open room database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := rendezvous.NewServer(rendezvous.ServerConfig{
		ListenAddr:     rvCfg.ListenAddr,
		RequestTimeout: time.Duration(rvCfg.RequestTimeoutSec) * time.Second,
	}, store, a.eventBus)
	if err := startWithRetry(ctx, "rendezvous server", srv.Listen, 5); err != nil {
		return fmt.Errorf("rendezvous server: %w", err)
	}
	log.Info().
		Int("port", srv.Port()).
		Str("database", rvCfg.DatabasePath).
		Dur("room_ttl", rvCfg.RoomTTL()).
		Msg("rendezvous service ready")

	a.goTask("rendezvous", func() {
		if err := srv.Serve(ctx); err != nil {
			a.errCh <- fmt.Errorf("rendezvous server: %w", err)
		}
	})

	sched := scheduler.NewScheduler(a.eventBus)
	sched.Every("expire_rooms", rvCfg.CleanupInterval(), scheduler.ExpireRooms(store))
	sched.Daily("room_stats", "04:00", scheduler.RoomStats(store, a.eventBus))
	a.goTask("scheduler", func() { sched.Start(ctx) })

	a.health.Register("listener", healthInterval, health.Listening(srv.Port))
	a.health.Register("room_db", healthInterval, health.RoomStore(store))
	a.startServices(ctx, api.Options{Rooms: store})

	a.wait(nil)
	log.Info().Msg("initiating graceful shutdown...")

	cancel()
	srv.Close()
	a.stop()
	return nil
}
