package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/api"
	"github.com/netplay64/netplay64/internal/discovery"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/network"
	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/rendezvous"
	"github.com/netplay64/netplay64/internal/room"
	"github.com/netplay64/netplay64/internal/scheduler"
	"github.com/netplay64/netplay64/internal/util"
)

var pakPlugins = map[string]byte{
	"none":        protocol.PluginNone,
	"mempak":      protocol.PluginMemPak,
	"rumblepak":   protocol.PluginRumblePak,
	"transferpak": protocol.PluginTransferPak,
}

type joinCmd struct {
	Addr string        `help:"Join the room at host:port instead of browsing the LAN." xor:"target"`
	Code int32         `help:"Join the room registered under this rendezvous code." xor:"target"`
	Wait time.Duration `help:"How long to browse the LAN for a session." default:"10s"`
	Name string        `help:"Device name shown to the host."`
	Rom  string        `help:"ROM file to play; its MD5 replaces the configured one." type:"existingfile"`
	Pak  string        `help:"Controller pak plugged into the controller." enum:"none,mempak,rumblepak,transferpak" default:"mempak"`
	Raw  bool          `help:"Use the raw controller input plugin."`
}

func (j *joinCmd) Run(g *Globals) error {
	a, err := bootstrap(g, "join")
	if err != nil {
		return err
	}

	if j.Rom != "" {
		sum, err := util.RomMD5(j.Rom)
		if err != nil {
			return err
		}
		netplay := a.cfg.GetNetplay()
		netplay.RomPath = j.Rom
		netplay.RomMD5 = sum
		a.cfg.SetNetplay(netplay)
	}
	if j.Name != "" {
		netplay := a.cfg.GetNetplay()
		netplay.DeviceName = j.Name
		a.cfg.SetNetplay(netplay)
	}
	if err := a.validate(true); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	netplay := a.cfg.GetNetplay()
	joinCfg := room.JoinerConfig{
		DeviceName:       netplay.DeviceName,
		RomMD5:           netplay.RomMD5,
		HandshakeTimeout: netplay.HandshakeTimeout(),
	}
	if rvCfg := a.cfg.GetRendezvous(); rvCfg.ServerAddr != "" {
		joinCfg.Resolver = rendezvous.NewClient(rvCfg.ServerAddr, time.Duration(rvCfg.RequestTimeoutSec)*time.Second)
	}
	joiner := room.NewJoiner(joinCfg, a.eventBus)

	progress := a.eventBus.Channel("join.progress", 32,
		events.EventNotice, events.EventJoinState, events.EventJoinServerPort, events.EventJoinDisconnected)
	a.goTask("progress", func() { a.reportProgress(ctx, progress) })

	var browser *discovery.Browser
	if j.Addr == "" && j.Code == 0 {
		disc := a.cfg.GetDiscovery()
		browser, err = discovery.NewBrowser(ctx, discovery.BrowserConfig{ListenAddr: disc.ListenAddr, Group: disc.Group}, a.eventBus)
		if err != nil {
			return fmt.Errorf("failed to start LAN discovery: %w", err)
		}
		defer browser.Close()
		a.goTask("browser", func() {
			if err := browser.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("LAN discovery stopped")
			}
		})

		sched := scheduler.NewScheduler(a.eventBus)
		maxAge := time.Duration(disc.CandidateMaxAge) * time.Second
		if maxAge <= 0 {
			maxAge = 30 * time.Second
		}
		sched.Every("prune_candidates", maxAge/2, scheduler.PruneCandidates(browser, maxAge))
		a.goTask("scheduler", func() { sched.Start(ctx) })
	}

	apiJoin := &api.Join{Joiner: joiner}
	if browser != nil {
		apiJoin.Browser = browser
	}
	a.startServices(ctx, api.Options{Join: apiJoin})

	var joinErr error
	switch {
	case j.Addr != "":
		joinErr = connectAddr(ctx, joiner, j.Addr)
	case j.Code != 0:
		joinErr = joiner.ConnectRoomCode(ctx, j.Code)
	default:
		joinErr = a.joinFromLAN(ctx, joiner, browser, netplay.RomMD5, j.Wait)
	}
	if joinErr != nil {
		log.Error().Err(joinErr).Msg("failed to join a session")
		cancel()
		a.stop()
		return joinErr
	}

	plugin := pakPlugins[j.Pak]
	if j.Raw {
		plugin = protocol.PluginRaw
	}
	var gp gameplaySession
	a.goTask("gameplay", func() {
		select {
		case <-ctx.Done():
			return
		case <-joiner.Started():
		}
		if err := gp.open(ctx, joiner, plugin, j.Raw); err != nil {
			a.errCh <- err
		}
	})

	a.wait(nil)
	log.Info().Msg("initiating graceful shutdown...")

	if joiner.State() != events.JoinPlaying {
		joiner.Cancel(ctx)
	}
	gp.close()
	cancel()
	a.stop()
	return nil
}

func connectAddr(ctx context.Context, joiner *room.Joiner, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return joiner.ConnectManual(ctx, host, port)
}

// joinFromLAN browses for up to wait and joins the first compatible
// session playing romMD5, falling back to any compatible one.
func (a *app) joinFromLAN(ctx context.Context, joiner *room.Joiner, browser *discovery.Browser, romMD5 string, wait time.Duration) error {
	log.Info().Dur("wait", wait).Msg("browsing the local network for sessions")

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	refused := make(map[uuid.UUID]bool)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New("no compatible session found on the local network")
		case <-ticker.C:
		}

		srv, ok := pickCandidate(browser.Candidates(), romMD5, refused)
		if !ok {
			continue
		}
		log.Info().Str("name", srv.Name).Str("addr", srv.Addr()).Msg("joining session")
		if err := joiner.SelectCandidate(ctx, srv); err != nil {
			if errors.Is(err, room.ErrInvalidState) {
				return err
			}
			log.Warn().Err(err).Str("name", srv.Name).Msg("session refused, still browsing")
			refused[srv.Instance] = true
			continue
		}
		return nil
	}
}

func pickCandidate(candidates []discovery.NetplayServer, romMD5 string, skip map[uuid.UUID]bool) (discovery.NetplayServer, bool) {
	var fallback *discovery.NetplayServer
	for i, c := range candidates {
		if !c.Compatible() || skip[c.Instance] {
			continue
		}
		if strings.EqualFold(c.RomMD5, romMD5) {
			return c, true
		}
		if fallback == nil {
			fallback = &candidates[i]
		}
	}
	if fallback == nil {
		return discovery.NetplayServer{}, false
	}
	return *fallback, true
}

// joinStateOrder drops join state notifications that arrive after a newer
// one.
type joinStateOrder struct {
	last uint64
}

func (o *joinStateOrder) accept(p events.JoinStatePayload) bool {
	if p.Seq <= o.last {
		return false
	}
	o.last = p.Seq
	return true
}

func (a *app) reportProgress(ctx context.Context, ch <-chan events.Event) {
	var order joinStateOrder
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch p := ev.Payload.(type) {
			case events.NoticePayload:
				fmt.Printf("  [%s] %s\n", p.Kind, p.Message)
			case events.JoinStatePayload:
				if !order.accept(p) {
					log.Debug().Uint64("seq", p.Seq).Stringer("to", p.To).Msg("stale join state dropped")
					continue
				}
				log.Info().Stringer("from", p.From).Stringer("to", p.To).Msg("join state")
			case events.ServerPortPayload:
				log.Info().Int32("port", p.Port).Msg("host moved the gameplay port")
			default:
				if ev.Type == events.EventJoinDisconnected {
					a.errCh <- errors.New("host closed the room connection")
				}
			}
		}
	}
}

// gameplaySession is the joiner's gameplay channel, opened once play starts.
type gameplaySession struct {
	mu     sync.Mutex
	client *network.GameplayClient
	regID  int32
}

func (g *gameplaySession) open(ctx context.Context, joiner *room.Joiner, plugin byte, raw bool) error {
	reg, ok := joiner.Registration()
	if !ok {
		return errors.New("game started without a registration")
	}

	client, err := network.DialGameplay(ctx, reg.GameplayAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to gameplay server %s: %w", reg.GameplayAddr, err)
	}
	g.mu.Lock()
	g.client = client
	g.regID = reg.RegID
	g.mu.Unlock()

	accepted, bufferTarget, err := client.RegisterPlayer(byte(reg.Player), plugin, raw, reg.RegID)
	if err != nil {
		return fmt.Errorf("failed to register player: %w", err)
	}
	if !accepted {
		return fmt.Errorf("host refused player %d", reg.Player)
	}

	settings, err := client.RequestSettings()
	if err != nil {
		return fmt.Errorf("failed to fetch core settings: %w", err)
	}
	log.Info().
		Int32("player", reg.Player+1).
		Int("buffer_target", bufferTarget).
		Int32("count_per_op", settings.CountPerOp).
		Str("video_plugin", reg.VideoPlugin).
		Str("rsp_plugin", reg.RSPPlugin).
		Msg("joined gameplay session")
	return nil
}

func (g *gameplaySession) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return
	}
	if err := g.client.Disconnect(g.regID); err != nil {
		log.Debug().Err(err).Msg("failed to send disconnect")
	}
	g.client.Close()
	g.client = nil
}
