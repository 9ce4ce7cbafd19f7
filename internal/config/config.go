// Package config loads the bridge configuration from a TOML file with
// defaults applied before decoding, so a missing file yields a runnable
// local setup.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/pocketagent/bridge/internal/bridge"
)

const (
	DefaultConfigPath   = "bridge.toml"
	DefaultHTTPAddr     = ":8440"
	DefaultWebChatPort  = 8441
	DefaultDatabasePath = "data/bridge.db"
	DefaultAgentHost    = "127.0.0.1"
	DefaultAgentPort    = 8081
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Agent    AgentConfig    `toml:"agent"`
	Channels ChannelsConfig `toml:"channels"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type StorageConfig struct {
	DatabasePath string `toml:"database_path" validate:"required"`
}

type AgentConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port" validate:"gte=0,lte=65535"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"gte=0"`
}

func (c AgentConfig) BaseURL() string {
	host := c.Host
	if host == "" {
		host = DefaultAgentHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultAgentPort
	}
	return "http://" + host + ":" + fmt.Sprint(port)
}

type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	Discord  DiscordConfig  `toml:"discord"`
	Slack    SlackConfig    `toml:"slack"`
	Matrix   MatrixConfig   `toml:"matrix"`
	Line     LineConfig     `toml:"line"`
	WebChat  WebChatConfig  `toml:"webchat"`
}

type TelegramConfig struct {
	Enabled        bool   `toml:"enabled"`
	BotToken       string `toml:"bot_token"`
	AllowedUserIDs string `toml:"allowed_user_ids"`
}

type DiscordConfig struct {
	Enabled        bool   `toml:"enabled"`
	BotToken       string `toml:"bot_token"`
	AllowedUserIDs string `toml:"allowed_user_ids"`
}

type SlackConfig struct {
	Enabled        bool   `toml:"enabled"`
	BotToken       string `toml:"bot_token"`
	AppToken       string `toml:"app_token"`
	AllowedUserIDs string `toml:"allowed_user_ids"`
}

type MatrixConfig struct {
	Enabled        bool   `toml:"enabled"`
	HomeserverURL  string `toml:"homeserver_url"`
	AccessToken    string `toml:"access_token"`
	UserID         string `toml:"user_id"`
	AllowedUserIDs string `toml:"allowed_user_ids"`
}

type LineConfig struct {
	Enabled            bool   `toml:"enabled"`
	ChannelSecret      string `toml:"channel_secret"`
	ChannelAccessToken string `toml:"channel_access_token"`
	AllowedUserIDs     string `toml:"allowed_user_ids"`
}

type WebChatConfig struct {
	Enabled     bool   `toml:"enabled"`
	Port        int    `toml:"port" validate:"gte=0,lte=65535"`
	AccessToken string `toml:"access_token"`
}

// Load reads the config at path, or returns defaults when the file does not
// exist. The decoded config is validated before being returned.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Storage: StorageConfig{
			DatabasePath: DefaultDatabasePath,
		},
		Agent: AgentConfig{
			Host:           DefaultAgentHost,
			Port:           DefaultAgentPort,
			TimeoutSeconds: 30,
		},
		Channels: ChannelsConfig{
			WebChat: WebChatConfig{
				Port: DefaultWebChatPort,
			},
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ChannelConfigs converts the file sections into the runtime per-channel
// snapshots consumed by the orchestrator and router.
func (c Config) ChannelConfigs() []bridge.ChannelConfig {
	return []bridge.ChannelConfig{
		{
			Type:    bridge.ChannelTelegram,
			Enabled: c.Channels.Telegram.Enabled,
			Credentials: map[string]string{
				"bot_token": c.Channels.Telegram.BotToken,
			},
			AllowedUserIDs: bridge.ParseAllowList(c.Channels.Telegram.AllowedUserIDs),
		},
		{
			Type:    bridge.ChannelDiscord,
			Enabled: c.Channels.Discord.Enabled,
			Credentials: map[string]string{
				"bot_token": c.Channels.Discord.BotToken,
			},
			AllowedUserIDs: bridge.ParseAllowList(c.Channels.Discord.AllowedUserIDs),
		},
		{
			Type:    bridge.ChannelSlack,
			Enabled: c.Channels.Slack.Enabled,
			Credentials: map[string]string{
				"bot_token": c.Channels.Slack.BotToken,
				"app_token": c.Channels.Slack.AppToken,
			},
			AllowedUserIDs: bridge.ParseAllowList(c.Channels.Slack.AllowedUserIDs),
		},
		{
			Type:    bridge.ChannelMatrix,
			Enabled: c.Channels.Matrix.Enabled,
			Credentials: map[string]string{
				"homeserver_url": c.Channels.Matrix.HomeserverURL,
				"access_token":   c.Channels.Matrix.AccessToken,
				"user_id":        c.Channels.Matrix.UserID,
			},
			AllowedUserIDs: bridge.ParseAllowList(c.Channels.Matrix.AllowedUserIDs),
		},
		{
			Type:    bridge.ChannelLine,
			Enabled: c.Channels.Line.Enabled,
			Credentials: map[string]string{
				"channel_secret":       c.Channels.Line.ChannelSecret,
				"channel_access_token": c.Channels.Line.ChannelAccessToken,
			},
			AllowedUserIDs: bridge.ParseAllowList(c.Channels.Line.AllowedUserIDs),
		},
		{
			Type:        bridge.ChannelWebChat,
			Enabled:     c.Channels.WebChat.Enabled,
			Port:        c.Channels.WebChat.Port,
			AccessToken: c.Channels.WebChat.AccessToken,
		},
	}
}
