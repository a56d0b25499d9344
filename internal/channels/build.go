package channels

import (
	"context"
	"fmt"
	"os"

	"github.com/andyhub/andy/internal/config"
)

// BuildAll constructs every channel variant whose state directory or
// credentials are present on disk, wiring cb into each so inbound traffic
// and metadata updates reach the caller. A channel whose prerequisites are
// absent (no whatsapp device store, no Slack tokens) is simply omitted
// rather than erroring, since running without every transport configured
// is the common case.
func BuildAll(ctx context.Context, cfg *config.CoreConfig, paths config.Paths, cb Callbacks) ([]Channel, error) {
	var built []Channel

	if waCfg, ok := loadWhatsAppConfig(paths); ok {
		ch, err := NewWhatsAppChannel(ctx, waCfg, cb)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		built = append(built, ch)
	}

	if slackCfg, botToken, appToken, ok := loadSlackConfig(paths); ok {
		built = append(built, NewSlackChannel(slackCfg, botToken, appToken, cb))
	}

	return built, nil
}

func loadWhatsAppConfig(paths config.Paths) (config.WhatsAppConfig, bool) {
	stateDir := paths.StoreDir + "/whatsapp"
	if _, err := os.Stat(stateDir); err != nil {
		return config.WhatsAppConfig{}, false
	}
	return config.WhatsAppConfig{
		ChannelConfig: config.ChannelConfig{Enabled: true},
		StateDir:      stateDir,
	}, true
}

func loadSlackConfig(paths config.Paths) (config.SlackConfig, string, string, bool) {
	values, err := config.ReadEnvFile(paths.EnvFile, []string{"SLACK_BOT_TOKEN", "SLACK_APP_TOKEN", "SLACK_TRIGGER"})
	if err != nil {
		return config.SlackConfig{}, "", "", false
	}
	botToken, appToken := values["SLACK_BOT_TOKEN"], values["SLACK_APP_TOKEN"]
	if botToken == "" || appToken == "" {
		return config.SlackConfig{}, "", "", false
	}
	trigger := values["SLACK_TRIGGER"]
	if trigger == "" {
		trigger = "andy"
	}
	return config.SlackConfig{
		ChannelConfig: config.ChannelConfig{Enabled: true},
		Trigger:       trigger,
	}, botToken, appToken, true
}
