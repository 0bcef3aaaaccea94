package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/api"
	"github.com/netplay64/netplay64/internal/cli"
	"github.com/netplay64/netplay64/internal/discovery"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/health"
	"github.com/netplay64/netplay64/internal/nat"
	"github.com/netplay64/netplay64/internal/network"
	"github.com/netplay64/netplay64/internal/rendezvous"
	"github.com/netplay64/netplay64/internal/room"
	"github.com/netplay64/netplay64/internal/session"
	"github.com/netplay64/netplay64/internal/util"
)

type hostCmd struct {
	Rom      string `help:"ROM file to host; its MD5 replaces the configured one." type:"existingfile"`
	Name     string `help:"Device name shown to joining players."`
	RoomCode bool   `help:"Register a room code with the configured rendezvous server."`
	Console  bool   `help:"Run the interactive console." default:"true" negatable:""`
}

func (h *hostCmd) Run(g *Globals) error {
	a, err := bootstrap(g, "host")
	if err != nil {
		return err
	}

	if h.Rom != "" {
		sum, err := util.RomMD5(h.Rom)
		if err != nil {
			return err
		}
		netplay := a.cfg.GetNetplay()
		netplay.RomPath = h.Rom
		netplay.RomMD5 = sum
		a.cfg.SetNetplay(netplay)
	}
	if h.Name != "" {
		netplay := a.cfg.GetNetplay()
		netplay.DeviceName = h.Name
		a.cfg.SetNetplay(netplay)
	}
	if err := a.validate(true); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	netplay := a.cfg.GetNetplay()
	state := session.NewState(session.Options{
		BufferTarget:     netplay.BufferTarget,
		FilePollAttempts: netplay.FilePollAttempts,
		FilePollInterval: netplay.FilePollInterval(),
		Settings:         netplay.Settings,
		Bus:              a.eventBus,
	})

	gameplay := network.NewGameplayServer(netplay.GameplayListen, state)
	if err := startWithRetry(ctx, "gameplay server", gameplay.Listen, 5); err != nil {
		return fmt.Errorf("gameplay server: %w", err)
	}

	disc := a.cfg.GetDiscovery()
	initial, steady := disc.Intervals()
	roomSrv := room.NewServer(room.ServerConfig{
		ListenAddr:       netplay.RoomListen,
		DeviceName:       netplay.DeviceName,
		RomMD5:           netplay.RomMD5,
		VideoPlugin:      netplay.VideoPlugin,
		RSPPlugin:        netplay.RSPPlugin,
		GameplayPort:     gameplay.Port(),
		AnnounceInitial:  initial,
		AnnounceInterval: steady,
	}, a.eventBus)
	if err := startWithRetry(ctx, "room server", roomSrv.Listen, 5); err != nil {
		gameplay.Close()
		return fmt.Errorf("room server: %w", err)
	}

	log.Info().
		Int("room_port", roomSrv.Port()).
		Int("gameplay_port", gameplay.Port()).
		Str("rom_md5", netplay.RomMD5).
		Msg("hosting session")

	a.goTask("gameplay", func() {
		if err := gameplay.Serve(ctx); err != nil {
			a.errCh <- fmt.Errorf("gameplay server: %w", err)
		}
	})
	a.goTask("room", func() {
		if err := roomSrv.Serve(ctx); err != nil {
			a.errCh <- fmt.Errorf("room server: %w", err)
		}
	})

	if disc.Enabled {
		announcer, err := discovery.NewAnnouncer(discovery.AnnouncerConfig{
			Target:   disc.Group,
			TTL:      disc.TTL,
			ServerID: rand.Int32(),
			Port:     roomSrv.Port(),
			Name:     netplay.DeviceName,
			RomMD5:   netplay.RomMD5,
			Instance: a.instance,
		})
		if err != nil {
			log.Warn().Err(err).Msg("LAN discovery unavailable")
		} else {
			a.goTask("advertise", func() {
				defer announcer.Close()
				roomSrv.Advertise(ctx, announcer)
			})
		}
	}

	// The room code is registered with the room port the internet sees.
	publicRoomPort := roomSrv.Port()
	var mapper *nat.Mapper
	if natCfg := a.cfg.GetNAT(); natCfg.Enabled {
		mapper, publicRoomPort = a.mapPorts(ctx, natCfg.LeaseSec, natCfg.TimeoutSec, roomSrv, gameplay.Port())
	}

	var roomCode atomic.Int32
	var rv *rendezvous.Client
	if rvCfg := a.cfg.GetRendezvous(); h.RoomCode && rvCfg.ServerAddr != "" {
		rv = rendezvous.NewClient(rvCfg.ServerAddr, time.Duration(rvCfg.RequestTimeoutSec)*time.Second)
		code, err := rv.Register(ctx, publicRoomPort, netplay.DeviceName)
		if err != nil {
			log.Warn().Err(err).Str("server", rvCfg.ServerAddr).Msg("failed to register room code")
			rv = nil
		} else {
			roomCode.Store(code)
			fmt.Printf("\n  Room code: %d\n\n", code)
			events.Publish(ctx, a.eventBus, "host", events.EventRoomCodeAssigned, events.RoomCodePayload{Code: code})

			// Once the game starts nobody else may join.
			a.eventBus.Subscribe(events.EventGameStarted, "host.unregister", func(ctx context.Context, _ events.Event) error {
				unregisterRoom(rv, roomCode.Swap(0))
				return nil
			})
		}
	} else if h.RoomCode {
		log.Warn().Msg("room code requested but rendezvous.server_addr is not configured")
	}

	// The room listener closes once the game starts, so only gameplay is probed.
	a.health.Register("gameplay_listener", healthInterval, health.Listening(gameplay.Port))
	if mapper != nil {
		a.health.Register("nat_leases", healthInterval, health.NATLeases(mapper.Mappings))
	}
	a.health.Heartbeat(heartbeatInterval, func() map[string]interface{} {
		snap := state.Snapshot()
		players := 0
		for _, p := range snap.Players {
			if p.Registered() {
				players++
			}
		}
		return map[string]interface{}{
			"players":      players,
			"room_clients": len(roomSrv.Clients()),
			"started":      roomSrv.Started(),
			"room_code":    roomCode.Load(),
		}
	})

	apiHost := &api.Host{Session: state, Room: roomSrv, Gameplay: gameplay, RoomCode: roomCode.Load}
	cliHost := cli.Host{Session: state, Room: roomSrv, RoomCode: roomCode.Load}
	if mapper != nil {
		apiHost.NAT = mapper
		cliHost.NAT = mapper
	}
	a.startServices(ctx, api.Options{Host: apiHost})

	consoleDone := make(chan struct{})
	if h.Console {
		console := cli.NewCLI(a.cfg, a.eventBus, cliHost, os.Stdin, os.Stdout)
		go func() {
			defer close(consoleDone)
			console.Start(ctx)
		}()
	}

	a.wait(consoleDone)
	log.Info().Msg("initiating graceful shutdown...")

	if rv != nil {
		unregisterRoom(rv, roomCode.Swap(0))
	}
	cancel()
	roomSrv.Close()
	gameplay.Close()
	a.stop()
	return nil
}

// mapPorts leases the room and gameplay ports on the NAT-PMP gateway and
// keeps them renewed. A moved gameplay mapping is pushed to room clients.
// It returns the mapper (nil without a gateway) and the public room port.
func (a *app) mapPorts(ctx context.Context, leaseSec, timeoutSec int, roomSrv *room.Server, gameplayPort int) (*nat.Mapper, int) {
	lease := time.Duration(leaseSec) * time.Second
	timeout := time.Duration(timeoutSec) * time.Second

	mapper, err := nat.Discover(ctx, lease, timeout)
	if err != nil {
		log.Warn().Err(err).Msg("NAT-PMP unavailable, hosting on the local network only")
		return nil, roomSrv.Port()
	}

	publicRoomPort := roomSrv.Port()
	if m, err := mapper.Map(ctx, "tcp", roomSrv.Port()); err != nil {
		log.Warn().Err(err).Msg("failed to map room port")
	} else {
		publicRoomPort = m.ExternalPort
		log.Info().Str("external", m.ExternalAddr()).Msg("room port mapped")
	}

	if m, err := mapper.Map(ctx, "tcp", gameplayPort); err != nil {
		log.Warn().Err(err).Msg("failed to map gameplay port")
	} else {
		log.Info().Str("external", m.ExternalAddr()).Msg("gameplay port mapped")
		if m.ExternalPort != gameplayPort {
			roomSrv.UpdateServerPort(ctx, m.ExternalPort)
		}
	}

	mapper.OnChange = func(m nat.Mapping) {
		if m.InternalPort == gameplayPort {
			roomSrv.UpdateServerPort(ctx, m.ExternalPort)
		}
	}
	a.goTask("nat", func() { mapper.Run(ctx) })
	return mapper, publicRoomPort
}

// unregisterRoom releases a room code. It outlives the process context.
func unregisterRoom(rv *rendezvous.Client, code int32) {
	if code <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rv.Unregister(ctx, code); err != nil {
		log.Warn().Err(err).Int32("code", code).Msg("failed to unregister room code")
		return
	}
	log.Info().Int32("code", code).Msg("room code unregistered")
}
