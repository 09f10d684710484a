package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultPolicyPath = ".autoforge/policy.json"

type Config struct {
	Version int `json:"version"`
	Repo    struct {
		WorkPath           string `json:"work_path"`
		RemoteName         string `json:"remote_name"`
		TrunkBranch        string `json:"trunk_branch"`
		BranchPrefix       string `json:"branch_prefix"`
		InboxDir           string `json:"inbox_dir"`
		InstructionExt     string `json:"instruction_ext"`
		VersionBumpCommand string `json:"version_bump_command"`
	} `json:"repo"`
	Agent struct {
		Command        string   `json:"command"`
		Args           []string `json:"args"`
		TimeoutSeconds int      `json:"timeout_seconds"`
		MaxTurns       int      `json:"max_turns"`
		AllowedTools   []string `json:"allowed_tools"`
	} `json:"agent"`
	Webhook struct {
		Secret string `json:"secret"`
		Path   string `json:"path"`
	} `json:"webhook"`
	Poll struct {
		IntervalSeconds     int    `json:"interval_seconds"`
		FilePollEnabled     bool   `json:"file_poll_enabled"`
		BranchPollEnable    bool   `json:"branch_poll_enabled"`
		RequestBranchPrefix string `json:"request_branch_prefix"`
	} `json:"poll"`
	Risk struct {
		ProtectedPrefixes []string `json:"protected_prefixes"`
	} `json:"risk"`
	Notify struct {
		EndpointURL    string `json:"endpoint_url"`
		Recipient      string `json:"recipient"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		MaxAttempts    int    `json:"max_attempts"`
	} `json:"notify"`
	Git struct {
		NetworkTimeoutSeconds int `json:"network_timeout_seconds"`
	} `json:"git"`
	Store struct {
		DBPath string `json:"db_path"`
	} `json:"store"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Repo.WorkPath = "."
	cfg.Repo.RemoteName = "origin"
	cfg.Repo.TrunkBranch = "main"
	cfg.Repo.BranchPrefix = "autoforge"
	cfg.Repo.InboxDir = "inbox"
	cfg.Repo.InstructionExt = ".md"
	cfg.Agent.Command = "claude"
	cfg.Agent.Args = []string{"-p", "--output-format", "json"}
	cfg.Agent.TimeoutSeconds = 1800
	cfg.Agent.MaxTurns = 50
	cfg.Agent.AllowedTools = []string{"Read", "Write", "Edit", "Bash"}
	cfg.Webhook.Path = "/webhook"
	cfg.Poll.IntervalSeconds = 300
	cfg.Poll.RequestBranchPrefix = "feature-request/"
	cfg.Risk.ProtectedPrefixes = []string{
		"shared/",
		"deploy/",
		"migrations/",
		"scripts/",
	}
	cfg.Notify.TimeoutSeconds = 15
	cfg.Notify.MaxAttempts = 3
	cfg.Git.NetworkTimeoutSeconds = 120
	cfg.Store.DBPath = ".autoforge/autoforge.db"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Repo.WorkPath) == "" {
		return fmt.Errorf("repo.work_path cannot be empty")
	}
	if strings.TrimSpace(cfg.Repo.RemoteName) == "" {
		return fmt.Errorf("repo.remote_name cannot be empty")
	}
	if strings.TrimSpace(cfg.Repo.TrunkBranch) == "" {
		return fmt.Errorf("repo.trunk_branch cannot be empty")
	}
	if strings.TrimSpace(cfg.Repo.BranchPrefix) == "" {
		return fmt.Errorf("repo.branch_prefix cannot be empty")
	}
	if strings.TrimSpace(cfg.Repo.InboxDir) == "" {
		return fmt.Errorf("repo.inbox_dir cannot be empty")
	}
	if !strings.HasPrefix(cfg.Repo.InstructionExt, ".") {
		return fmt.Errorf("repo.instruction_ext must start with a dot")
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		return fmt.Errorf("agent.command cannot be empty")
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		return fmt.Errorf("agent.timeout_seconds must be > 0")
	}
	if cfg.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be > 0")
	}
	if cfg.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be > 0")
	}
	if cfg.Poll.BranchPollEnable && strings.TrimSpace(cfg.Poll.RequestBranchPrefix) == "" {
		return fmt.Errorf("poll.request_branch_prefix cannot be empty when branch polling is enabled")
	}
	if cfg.Notify.TimeoutSeconds <= 0 {
		return fmt.Errorf("notify.timeout_seconds must be > 0")
	}
	if cfg.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be > 0")
	}
	if cfg.Git.NetworkTimeoutSeconds < 0 {
		return fmt.Errorf("git.network_timeout_seconds must be >= 0")
	}
	if strings.TrimSpace(cfg.Store.DBPath) == "" {
		return fmt.Errorf("store.db_path cannot be empty")
	}
	return nil
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}

// GitNetworkTimeout returns zero when no deadline should be applied to
// remote git operations.
func (c Config) GitNetworkTimeout() time.Duration {
	return time.Duration(c.Git.NetworkTimeoutSeconds) * time.Second
}
