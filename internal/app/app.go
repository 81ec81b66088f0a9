package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"daisysrv/internal/bridge"
	"daisysrv/internal/config"
	"daisysrv/internal/console"
	"daisysrv/internal/eventbus"
	"daisysrv/internal/gameserver"
	"daisysrv/internal/ops"
	"daisysrv/internal/relay"
	"daisysrv/internal/runtime/lifecycle"
	"daisysrv/internal/runtime/supervisor"
	"daisysrv/internal/sink"
	"daisysrv/internal/storage"
	"daisysrv/internal/transport"
	"daisysrv/internal/transport/discord"
	"daisysrv/internal/transport/telegram"
	logx "daisysrv/pkg/logx"
)

const (
	inboxSize    = 256
	recentEvents = 50
)

// App owns every component of the bridge and their start/stop order.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	life *lifecycle.State

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	recent *eventbus.Recent
	store  storage.Store

	startedAt time.Time

	discord  *discord.Session
	telegram *telegram.Session
	inbox    chan transport.Inbound

	// webhook is fixed at startup: chat goes through a webhook sink.
	webhook bool

	// outlets in status order: chat, events, console, then mirrors.
	outlets []*outlet
	chat    *outlet
	events  *outlet
	console *outlet

	rcon      *gameserver.RCON
	roster    *gameserver.Roster
	notifier  *bridge.EventNotifier
	forwarder *bridge.ChatForwarder
	agg       *console.Aggregator
	inbound   *bridge.Inbound
	status    *bridge.StatusUpdater
	source    *gameserver.LogSource
	ops       *ops.Server
}

// resettableSink is implemented by every sink the app builds.
type resettableSink interface {
	relay.Sink
	Reset()
	Disabled() bool
}

// outlet is one producer category: a relay with its own queue and sink.
type outlet struct {
	relay *relay.Relay
	queue *relay.Queue
	sink  resettableSink
	// apply pushes reloaded config into the sink.
	apply func(cfg *config.Config)
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:   cfgm,
		life:   lifecycle.New(),
		log:    log,
		logs:   logSvc,
		bus:    eventbus.New(),
		recent: eventbus.NewRecent(max(cfg.Ops.RecentEvents, recentEvents)),
		inbox:  make(chan transport.Inbound, inboxSize),
	}

	sc, enabled, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	discordErr := config.CheckDiscord(cfg)
	if discordErr == nil {
		ds, err := discord.New(discord.Config{Token: cfg.Discord.Token}, root.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, err
		}
		a.discord = ds
	}
	var telegramErr error
	if cfg.Telegram != nil && cfg.Telegram.Enabled {
		if telegramErr = config.CheckTelegram(cfg); telegramErr == nil {
			ts, err := telegram.New(telegram.Config{
				Token:       cfg.Telegram.Token,
				PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
			}, root.With(logx.String("comp", "telegram")))
			if err != nil {
				return nil, err
			}
			a.telegram = ts
		}
	}

	a.buildOutlets(cfg, root)

	// Credential problems disable a relay once at startup; they are not retried.
	if discordErr != nil {
		for _, o := range []*outlet{a.events, a.console} {
			o.relay.Disable(discordErr.Error())
		}
		if !cfg.Discord.Webhook.Enabled {
			a.chat.relay.Disable(discordErr.Error())
		}
	}
	if cfg.Discord.Webhook.Enabled {
		if err := config.CheckWebhook(cfg); err != nil {
			a.chat.relay.Disable(err.Error())
		}
	}
	if telegramErr != nil {
		for _, o := range a.outlets {
			if o.relay.Name() == "telegram.chat" || o.relay.Name() == "telegram.events" {
				o.relay.Disable(telegramErr.Error())
			}
		}
	}

	if err := a.buildGame(cfg, root); err != nil {
		return nil, err
	}
	a.ops = ops.NewServer(a, root)
	return a, nil
}

func (a *App) newOutlet(name string, s resettableSink, cfg *config.Config, root logx.Logger, apply func(*config.Config)) *outlet {
	log := root.With(logx.String("comp", "relay."+name))
	gov := relay.NewGovernor(relay.WithBackoffCap(backoffCap(cfg)))
	q := relay.NewQueue(name, mapQueue(cfg), gov, a.life, log, a.bus)
	o := &outlet{relay: relay.New(name, s, q, a.life, log), queue: q, sink: s, apply: apply}
	a.outlets = append(a.outlets, o)
	return o
}

func (a *App) buildOutlets(cfg *config.Config, root logx.Logger) {
	var ds transport.Session
	if a.discord != nil {
		ds = a.discord
	}

	a.webhook = cfg.Discord.Webhook.Enabled
	if a.webhook {
		ws := sink.NewWebhook("discord.webhook", mapWebhook(cfg), root.With(logx.String("comp", "relay.chat")), sink.WithBus(a.bus))
		a.chat = a.newOutlet("chat", ws, cfg, root, func(c *config.Config) { ws.Apply(mapWebhook(c)) })
	} else {
		cs := sink.NewChannel("discord.chat", ds, mapDiscordChannel(cfg, cfg.Discord.ChatChannelID), root.With(logx.String("comp", "relay.chat")), a.bus)
		a.chat = a.newOutlet("chat", cs, cfg, root, func(c *config.Config) { cs.Apply(mapDiscordChannel(c, c.Discord.ChatChannelID)) })
	}
	a.chat.relay.ApplyFormat(mapChatFormat(cfg, a.webhook))

	es := sink.NewChannel("discord.events", ds, mapDiscordChannel(cfg, cfg.Discord.ChatChannelID), root.With(logx.String("comp", "relay.events")), a.bus)
	a.events = a.newOutlet("events", es, cfg, root, func(c *config.Config) { es.Apply(mapDiscordChannel(c, c.Discord.ChatChannelID)) })

	consoleChannel := func(c *config.Config) sink.ChannelConfig {
		cc := mapDiscordChannel(c, c.Discord.ConsoleChannelID)
		cc.Enabled = cc.Enabled && c.Console.Enabled
		return cc
	}
	ks := sink.NewChannel("discord.console", ds, consoleChannel(cfg), root.With(logx.String("comp", "relay.console")), a.bus)
	a.console = a.newOutlet("console", ks, cfg, root, func(c *config.Config) { ks.Apply(consoleChannel(c)) })

	if a.telegram != nil || (cfg.Telegram != nil && cfg.Telegram.Enabled) {
		var ts transport.Session
		if a.telegram != nil {
			ts = a.telegram
		}
		tc := sink.NewChannel("telegram.chat", ts, mapTelegramChannel(cfg), root.With(logx.String("comp", "relay.telegram")), a.bus)
		a.newOutlet("telegram.chat", tc, cfg, root, func(c *config.Config) { tc.Apply(mapTelegramChannel(c)) })
		te := sink.NewChannel("telegram.events", ts, mapTelegramChannel(cfg), root.With(logx.String("comp", "relay.telegram")), a.bus)
		a.newOutlet("telegram.events", te, cfg, root, func(c *config.Config) { te.Apply(mapTelegramChannel(c)) })
	}
}

// mirrors returns the outlets that copy chat and events to Telegram.
func (a *App) mirrors(name string) []bridge.Outbound {
	var out []bridge.Outbound
	for _, o := range a.outlets {
		if o.relay.Name() == name {
			out = append(out, o.relay)
		}
	}
	return out
}

func (a *App) buildGame(cfg *config.Config, root logx.Logger) error {
	a.rcon = gameserver.NewRCON(mapRCON(cfg), root.With(logx.String("comp", "rcon")))
	a.roster = gameserver.NewRoster(a.rcon, cfg.Server.MaxPlayers)

	globals := func() relay.Vars { return relay.Vars(a.roster.Vars()) }
	for _, o := range a.outlets {
		o.relay.SetGlobals(globals)
	}

	chatOut := fanout(append([]bridge.Outbound{a.chat.relay}, a.mirrors("telegram.chat")...))
	eventsOut := fanout(append([]bridge.Outbound{a.events.relay}, a.mirrors("telegram.events")...))

	a.notifier = bridge.NewEventNotifier(eventsOut, mapEvents(cfg), root.With(logx.String("comp", "events")))
	a.forwarder = bridge.NewChatForwarder(chatOut, mapChat(cfg))

	game := &bridge.Game{Roster: a.roster, Events: a.notifier, Chat: a.forwarder}
	if cfg.Console.Enabled {
		agg, err := console.New(a.console.relay, mapConsole(cfg), root.With(logx.String("comp", "console")))
		if err != nil {
			return err
		}
		a.agg = agg
		game.Console = agg
	}

	deps := bridge.InboundDeps{Game: a.rcon, Players: a.roster, Chat: chatOut, Console: a.console.relay}
	if a.store != nil {
		deps.Audit = a.store
	}
	a.inbound = bridge.NewInbound(deps, mapInbound(cfg), root.With(logx.String("comp", "inbound")))

	var (
		topic    transport.TopicSetter
		presence transport.PresenceSetter
	)
	if a.discord != nil {
		topic, presence = a.discord, a.discord
	}
	a.status = bridge.NewStatusUpdater(a.roster, topic, presence, root.With(logx.String("comp", "status")))
	if err := a.status.Apply(mapStatus(cfg)); err != nil {
		return err
	}

	a.source = gameserver.NewLogSource(gameserver.SourceConfig{
		Path: cfg.Server.LogPath,
		Poll: cfg.Server.PollLog,
	}, game, root.With(logx.String("comp", "gameserver")))
	return nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.discord != nil {
		if err := a.discord.Start(a.sup.Context(), a.inbox); err != nil {
			return err
		}
	}
	if a.telegram != nil {
		if err := a.telegram.Start(a.sup.Context(), a.inbox); err != nil {
			// Telegram is a mirror; the bridge keeps running without it.
			a.log.Error("telegram start failed", logx.Err(err))
		}
	}

	if a.agg != nil {
		a.sup.Go("console.aggregator", a.agg.Run)
		if a.cfgm.Get().Logging.Relay.Enabled {
			a.logs.SetForwarder(a.agg)
		}
	}

	a.sup.GoRestart("gameserver.log", a.source.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("bridge.inbound", func(c context.Context) error { return a.inbound.Run(c, a.inbox) })
	a.status.Start()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.recent.Add(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.String("source", e.Source))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	if err := a.ops.Reconfigure(a.sup.Context(), mapOps(a.cfgm.Get())); err != nil {
		a.log.Error("ops server not started", logx.Err(err))
	}

	a.log.Info("bridge started", logx.Int("relays", len(a.outlets)), logx.Bool("console", a.agg != nil))
	return nil
}

// validate runs before a reloaded config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if a.agg != nil {
		if _, err := console.NewFilter(mapConsole(cfg).Filter); err != nil {
			return err
		}
	}
	if _, err := a.status.ParseSchedule(mapStatus(cfg).Schedule); err != nil && cfg.Status.Enabled {
		return fmt.Errorf("status.schedule: %w", err)
	}
	return nil
}

// Stop shuts down in order: stop accepting, flush the console buffer, drain
// queues for at most relay.shutdown_grace, then close transports and storage.
func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.life.BeginShutdown(reason)
	a.logs.SetForwarder(nil)

	grace := shutdownGrace(a.cfgm.Get())
	step := a.stepper(ctx)

	step("status", time.Second, func(context.Context) error { a.status.Stop(); return nil })
	step("console", grace, func(c context.Context) error {
		if a.agg != nil {
			a.agg.Close(c)
		}
		return nil
	})
	step("queues", grace, func(c context.Context) error {
		var errs []error
		for _, o := range a.outlets {
			if err := o.queue.Wait(c); err != nil {
				errs = append(errs, fmt.Errorf("%s: %d pending: %w", o.queue.Name(), o.queue.Len(), err))
			}
		}
		return errors.Join(errs...)
	})

	a.sup.Cancel()
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("transports", 2*time.Second, func(c context.Context) error {
		var errs []error
		if a.discord != nil {
			errs = append(errs, a.discord.Stop(c))
		}
		if a.telegram != nil {
			errs = append(errs, a.telegram.Stop(c))
		}
		return errors.Join(errs...)
	})
	step("rcon", time.Second, func(context.Context) error { return a.rcon.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// stepper runs each shutdown step with its own upper bound so one stuck
// component cannot stall the rest. The caller's deadline is never extended.
func (a *App) stepper(ctx context.Context) func(name string, limit time.Duration, fn func(context.Context) error) {
	return func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached, continuing",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}
}

// fanout sends to every outbound; Globals come from the first.
type fanout []bridge.Outbound

func (f fanout) SendText(author, body string) {
	for _, o := range f {
		o.SendText(author, body)
	}
}

func (f fanout) SendMarkdown(author, text string) {
	for _, o := range f {
		o.SendMarkdown(author, text)
	}
}

func (f fanout) SendStructuredAs(author, avatarURL string, msg relay.StructuredMessage) {
	for _, o := range f {
		o.SendStructuredAs(author, avatarURL, msg)
	}
}

func (f fanout) SendBatch(author string, lines []string) {
	for _, o := range f {
		o.SendBatch(author, lines)
	}
}

func (f fanout) Globals() relay.Vars {
	if len(f) == 0 {
		return relay.Vars{}
	}
	return f[0].Globals()
}
