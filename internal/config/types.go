package config

// Config is the on-disk configuration. JSON or YAML; durations are Go
// duration strings ("500ms", "10s", "5m").
type Config struct {
	Discord  DiscordConfig   `json:"discord"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Server   ServerConfig    `json:"server"`
	Chat     ChatConfig      `json:"chat"`
	Events   EventsConfig    `json:"events"`
	Console  ConsoleConfig   `json:"console"`
	Relay    RelayConfig     `json:"relay"`
	Status   StatusConfig    `json:"status"`
	Commands CommandsConfig  `json:"commands"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Ops      OpsConfig       `json:"ops"`
}

type DiscordConfig struct {
	Token            string        `json:"token"`
	ChatChannelID    string        `json:"chat_channel_id"`
	ConsoleChannelID string        `json:"console_channel_id,omitempty"`
	StatusChannelID  string        `json:"status_channel_id,omitempty"`
	Webhook          WebhookConfig `json:"webhook"`
}

// WebhookConfig sends chat through a webhook so each message carries the
// player's name and avatar.
type WebhookConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// TelegramConfig mirrors chat and events into one Telegram chat.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      string `json:"chat_id"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type ServerConfig struct {
	LogPath string `json:"log_path"`
	// PollLog stats the log instead of using inotify.
	PollLog    bool       `json:"poll_log,omitempty"`
	MaxPlayers int        `json:"max_players,omitempty"`
	RCON       RCONConfig `json:"rcon"`
}

type RCONConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	Timeout  string `json:"timeout,omitempty"`
}

type ChatConfig struct {
	Enabled bool `json:"enabled"`
	// Format placeholders: {username} {message} {playerCount} {maxPlayers}.
	Format string `json:"format,omitempty"`
	// AvatarURL is the webhook avatar template; placeholder {username}.
	AvatarURL     string `json:"avatar_url,omitempty"`
	RequirePrefix string `json:"require_prefix,omitempty"`
	// ToGame relays chat-network messages into the game.
	ToGame     bool   `json:"to_game"`
	GamePrefix string `json:"game_prefix,omitempty"`
}

type EventsConfig struct {
	Enabled   bool   `json:"enabled"`
	UseEmbeds *bool  `json:"use_embeds,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`

	Join        EventConfig `json:"join"`
	Leave       EventConfig `json:"leave"`
	Advancement EventConfig `json:"advancement"`
	Goal        EventConfig `json:"goal"`
	Challenge   EventConfig `json:"challenge"`
	Start       EventConfig `json:"start"`
	Stop        EventConfig `json:"stop"`
}

// EventConfig overrides one event kind. Omitted fields keep the defaults.
type EventConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Text    string `json:"text,omitempty"`
	// Color is "#RRGGBB".
	Color string `json:"color,omitempty"`
}

type ConsoleConfig struct {
	Enabled       bool     `json:"enabled"`
	Interval      string   `json:"interval,omitempty"`
	Cooldown      string   `json:"cooldown,omitempty"`
	ShutdownLines int      `json:"shutdown_lines,omitempty"`
	Ignore        []string `json:"ignore,omitempty"`
	Allow         []string `json:"allow,omitempty"`

	// Operators may run server commands from the console channel.
	Operators       []string `json:"operators,omitempty"`
	BlockedCommands []string `json:"blocked_commands,omitempty"`
	CommandTimeout  string   `json:"command_timeout,omitempty"`
}

type RelayConfig struct {
	Pace           string `json:"pace,omitempty"`
	BackoffCap     string `json:"backoff_cap,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`
	MaxPayload     int    `json:"max_payload,omitempty"`
}

type StatusConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Presence string `json:"presence,omitempty"`
}

type CommandsConfig struct {
	Prefix     string `json:"prefix,omitempty"`
	PlayerList bool   `json:"player_list"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Debug   bool         `json:"debug,omitempty"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Relay   LoggingRelay `json:"relay"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRelay forwards the bridge's own log events into the console channel.
type LoggingRelay struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/daisysrv" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// OpsConfig controls the status/health HTTP server.
//
// Security note: binding to a non-loopback address requires a token unless
// allow_insecure is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8377"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
	RecentEvents  int    `json:"recent_events,omitempty"`
}
