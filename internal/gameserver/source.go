package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	logx "daisysrv/pkg/logx"

	"github.com/hpcloud/tail"
)

// Handler receives what LogSource reads. Both calls run on the tail
// goroutine and must not block.
type Handler interface {
	HandleEvent(e Event)
	HandleLine(line string)
}

type SourceConfig struct {
	Path string
	// Poll uses stat polling instead of inotify; needed on some bind mounts.
	Poll bool
	// FromStart replays the whole file instead of starting at its end.
	FromStart bool
}

// LogSource follows the server log across rotations.
type LogSource struct {
	cfg     SourceConfig
	log     logx.Logger
	handler Handler
	now     func() time.Time
}

func NewLogSource(cfg SourceConfig, h Handler, log logx.Logger) *LogSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSource{cfg: cfg, handler: h, log: log, now: time.Now}
}

// Run tails until ctx is done. It returns an error when the file cannot be
// followed so a supervisor can restart it.
func (s *LogSource) Run(ctx context.Context) error {
	path := strings.TrimSpace(s.cfg.Path)
	if path == "" {
		return errors.New("server log path is empty")
	}
	loc := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if s.cfg.FromStart {
		loc = &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      s.cfg.Poll,
		Location:  loc,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", path, err)
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	s.log.Info("following server log", logx.String("path", path))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				if err := t.Err(); err != nil {
					return fmt.Errorf("tail %s: %w", path, err)
				}
				return errors.New("tail stopped")
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.log.Warn("server log read error", logx.Err(line.Err))
				continue
			}
			s.dispatch(line.Text)
		}
	}
}

func (s *LogSource) dispatch(text string) {
	if s.handler == nil {
		return
	}
	text = strings.TrimRight(text, "\r")
	s.handler.HandleLine(text)
	if e, ok := ParseLine(text, s.now()); ok {
		s.handler.HandleEvent(e)
	}
}
