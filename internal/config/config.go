// Package config provides the core broker's configuration types and loading.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// CoreConfig is passed by value (or as a shared pointer) to every component
// constructor. There is no process-wide singleton: GroupQueue, Scheduler,
// ContainerRunner and the channel set all receive the same CoreConfig at
// wiring time instead of reading package-level globals.
type CoreConfig struct {
	// AssistantName is the bot identity shown in channel messages and used
	// as the "<assistant_name>: " content-prefix backstop.
	AssistantName string `envconfig:"ASSISTANT_NAME"`

	// PollInterval is how often the message-loop driver checks registered
	// JIDs for uncursored messages.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`

	// SchedulerPollInterval is the tick interval for due-task polling.
	SchedulerPollInterval time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL"`

	// MaxConcurrentContainers is GroupQueue's global concurrency cap.
	MaxConcurrentContainers int `envconfig:"MAX_CONCURRENT_CONTAINERS"`

	// ContainerImage is the agent container image tag passed to the
	// container runtime.
	ContainerImage string `envconfig:"CONTAINER_IMAGE"`

	// Timezone is the IANA zone name used for cron schedule evaluation.
	Timezone string `envconfig:"TIMEZONE"`

	// DataDir overrides the default "./data" root.
	DataDir string `envconfig:"DATA_DIR"`
}

// DefaultCoreConfig returns the documented defaults (§6, §9 of the spec
// this config serves).
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		AssistantName:           "Andy",
		PollInterval:            2 * time.Second,
		SchedulerPollInterval:   30 * time.Second,
		MaxConcurrentContainers: 2,
		ContainerImage:          "andy-agent:latest",
		Timezone:                "UTC",
		DataDir:                 "./data",
	}
}

// Paths resolves the on-disk layout rooted at the working directory and
// DataDir, matching the persistent state layout.
type Paths struct {
	StoreDir        string
	GroupsDir       string
	IPCDir          string
	EnvFile         string
	MountAllowlist  string
	// ProjectRoot is bind-mounted read-only into every agent container
	// alongside its group's read-write folder, so an agent can always see
	// the broker's own source tree without being able to modify it.
	ProjectRoot string
}

// ResolvePaths computes the filesystem layout for a CoreConfig.
func ResolvePaths(cfg *CoreConfig) Paths {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	home, _ := os.UserHomeDir()
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return Paths{
		StoreDir:       "./store",
		GroupsDir:      "./groups",
		IPCDir:         filepath.Join(dataDir, "ipc"),
		EnvFile:        filepath.Join(dataDir, "env", "env"),
		MountAllowlist: filepath.Join(home, ".config", "andy", "mount-allowlist.json"),
		ProjectRoot:    root,
	}
}

// ChannelConfig holds the enablement setting shared by every channel
// variant; protocol-specific settings live in each channel's
// own config type (WhatsAppConfig, SlackConfig, MailConfig below).
type ChannelConfig struct {
	Enabled bool
}

// WhatsAppConfig configures the long-lived socket channel (variant 1, §4.2).
type WhatsAppConfig struct {
	ChannelConfig
	// StateDir holds the whatsmeow device store (auth material never
	// flows through CoreConfig or process env).
	StateDir string
}

// SlackConfig configures the long-lived pub/sub channel (variant 2, §4.2).
type SlackConfig struct {
	ChannelConfig
	// Trigger is the mention pattern rewritten from the foreign
	// "@USER_ID" syntax into the canonical "@<trigger>" form.
	Trigger string
}

// MailConfig configures the poll-based channel (variant 3, §4.2).
type MailConfig struct {
	ChannelConfig
	PollInterval      time.Duration
	MaxBackoff        time.Duration
	ProcessedIDCap    int
	ProcessedIDCompact int
}

// DefaultMailConfig returns sensible poll-channel defaults.
func DefaultMailConfig() MailConfig {
	return MailConfig{
		PollInterval:       30 * time.Second,
		MaxBackoff:         30 * time.Minute,
		ProcessedIDCap:      5000,
		ProcessedIDCompact: 2500,
	}
}
