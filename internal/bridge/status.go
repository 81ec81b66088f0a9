package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"daisysrv/internal/relay"
	"daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"

	"github.com/robfig/cron/v3"
)

type StatusConfig struct {
	Enabled bool
	// Schedule is a cron spec or "@every 5m".
	Schedule  string
	ChannelID string
	// Topic and Presence are templates; placeholders {playerCount} and
	// {maxPlayers}. Empty disables that part.
	Topic    string
	Presence string
}

const (
	DefaultStatusSchedule = "@every 10m"
	statusTimeout         = 15 * time.Second
)

// StatusUpdater keeps the channel topic and bot presence in step with the
// player count.
type StatusUpdater struct {
	log      logx.Logger
	players  PlayerSource
	topic    transport.TopicSetter
	presence transport.PresenceSetter
	parser   cron.Parser

	mu           sync.Mutex
	cfg          StatusConfig
	c            *cron.Cron
	running      bool
	lastTopic    string
	lastPresence string
}

// NewStatusUpdater takes optional setters; nil disables that part.
func NewStatusUpdater(players PlayerSource, topic transport.TopicSetter, presence transport.PresenceSetter, log logx.Logger) *StatusUpdater {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StatusUpdater{
		log:      log,
		players:  players,
		topic:    topic,
		presence: presence,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ParseSchedule validates a schedule string.
func (u *StatusUpdater) ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultStatusSchedule
	}
	s, err := u.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("status schedule %q: %w", spec, err)
	}
	return s, nil
}

// Apply swaps config and reschedules a started updater.
func (u *StatusUpdater) Apply(cfg StatusConfig) error {
	if _, err := u.ParseSchedule(cfg.Schedule); err != nil {
		return err
	}
	u.mu.Lock()
	u.cfg = cfg
	old := u.c
	u.c = nil
	if u.running {
		u.startLocked()
	}
	u.mu.Unlock()
	stopCron(old)
	return nil
}

func (u *StatusUpdater) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return
	}
	u.running = true
	u.startLocked()
}

func (u *StatusUpdater) startLocked() {
	if !u.cfg.Enabled {
		return
	}
	sched, err := u.ParseSchedule(u.cfg.Schedule)
	if err != nil {
		u.log.Warn("status updater not started", logx.Err(err))
		return
	}
	u.c = cron.New(cron.WithParser(u.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	u.c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		u.Update(ctx)
	}))
	u.c.Start()
	u.log.Debug("status updater scheduled", logx.String("schedule", u.cfg.Schedule))
}

// Stop waits for a running update to finish.
func (u *StatusUpdater) Stop() {
	u.mu.Lock()
	old := u.c
	u.c = nil
	u.running = false
	u.mu.Unlock()
	stopCron(old)
}

func stopCron(c *cron.Cron) {
	if c != nil {
		<-c.Stop().Done()
	}
}

// Update pushes the current topic and presence. Unchanged text is not
// resent; Discord allows only a couple of topic edits per ten minutes.
func (u *StatusUpdater) Update(ctx context.Context) {
	u.mu.Lock()
	cfg := u.cfg
	u.mu.Unlock()
	if !cfg.Enabled || u.players == nil {
		return
	}

	p, err := u.players.Refresh(ctx)
	if err != nil {
		p = u.players.Snapshot()
	}
	max := "?"
	if p.Max > 0 {
		max = strconv.Itoa(p.Max)
	}
	vars := relay.Vars{"playerCount": strconv.Itoa(p.Online), "maxPlayers": max}

	if topic := relay.Render(cfg.Topic, vars); topic != "" && u.topic != nil && cfg.ChannelID != "" && u.changed(&u.lastTopic, topic) {
		if err := u.topic.SetTopic(ctx, cfg.ChannelID, topic); err != nil {
			u.log.Warn("channel topic update failed", logx.Err(err))
			u.forget(&u.lastTopic)
		}
	}
	if presence := relay.Render(cfg.Presence, vars); presence != "" && u.presence != nil && u.changed(&u.lastPresence, presence) {
		if err := u.presence.SetPresence(ctx, presence); err != nil {
			u.log.Warn("presence update failed", logx.Err(err))
			u.forget(&u.lastPresence)
		}
	}
}

func (u *StatusUpdater) changed(last *string, next string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if *last == next {
		return false
	}
	*last = next
	return true
}

func (u *StatusUpdater) forget(last *string) {
	u.mu.Lock()
	*last = ""
	u.mu.Unlock()
}
