// Package config provides configuration file parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/schedule"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// validate names fields by their json tag, which matches the config key.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

const (
	defaultRsyncArgs   = "-a"
	defaultLogfileName = "rsync.log"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.DaemonConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.DaemonConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// transferDefaults is the shape of the defaults section. Every task may
// override each field.
type transferDefaults struct {
	RsyncArgs          string   `mapstructure:"rsync_args"`
	Filters            []string `mapstructure:"filters"`
	Includes           []string `mapstructure:"includes"`
	Excludes           []string `mapstructure:"excludes"`
	IncludeFiles       []string `mapstructure:"include_files"`
	ExcludeFiles       []string `mapstructure:"exclude_files"`
	RsyncLogfile       bool     `mapstructure:"rsync_logfile"`
	RsyncLogfileName   string   `mapstructure:"rsync_logfile_name"`
	RsyncLogfileFormat string   `mapstructure:"rsync_logfile_format"`
	CreateDestination  bool     `mapstructure:"create_destination"`
	OneFS              bool     `mapstructure:"one_fs"`
	SSHArgs            string   `mapstructure:"ssh_args"`
}

type rawTask struct {
	Name        string        `mapstructure:"name"`
	Sources     []string      `mapstructure:"sources"`
	Destination string        `mapstructure:"destination"`
	Intervals   []rawInterval `mapstructure:"intervals"`
	WOL         *rawWOL       `mapstructure:"wol"`
	SSH         *rawSSH       `mapstructure:"ssh"`

	RsyncArgs          *string   `mapstructure:"rsync_args"`
	Filters            *[]string `mapstructure:"filters"`
	Includes           *[]string `mapstructure:"includes"`
	Excludes           *[]string `mapstructure:"excludes"`
	IncludeFiles       *[]string `mapstructure:"include_files"`
	ExcludeFiles       *[]string `mapstructure:"exclude_files"`
	RsyncLogfile       *bool     `mapstructure:"rsync_logfile"`
	RsyncLogfileName   *string   `mapstructure:"rsync_logfile_name"`
	RsyncLogfileFormat *string   `mapstructure:"rsync_logfile_format"`
	CreateDestination  *bool     `mapstructure:"create_destination"`
	OneFS              *bool     `mapstructure:"one_fs"`
	SSHArgs            *string   `mapstructure:"ssh_args"`
}

type rawInterval struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Keep     int    `mapstructure:"keep"`
	Age      string `mapstructure:"age"`
}

type rawWOL struct {
	MACAddress    string        `mapstructure:"mac_address"`
	BroadcastIP   string        `mapstructure:"broadcast_ip"`
	PollURL       string        `mapstructure:"poll_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StabilizeWait time.Duration `mapstructure:"stabilize_wait"`
}

type rawSSH struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	KeyPath    string `mapstructure:"key_path"`
	KnownHosts string `mapstructure:"known_hosts"`
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.DaemonConfig, error) {
	cfg := &models.DaemonConfig{
		Rsync: models.RsyncSettings{
			Command: p.v.GetString("rsync.command"),
		},
		Control: models.ControlSettings{
			Socket: p.v.GetString("control.socket"),
		},
		Metrics: models.MetricsSettings{
			Listen: p.v.GetString("metrics.listen"),
		},
	}

	if cfg.Rsync.Command == "" {
		cfg.Rsync.Command = "rsync"
	}
	if cfg.Control.Socket == "" {
		cfg.Control.Socket = models.DefaultSocketPath
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken:      p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:        p.expandEnv(p.v.GetString("telegram.chat_id")),
			NotifySuccess: p.v.GetBool("telegram.notify_success"),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	defaults := transferDefaults{
		RsyncArgs:        defaultRsyncArgs,
		RsyncLogfileName: defaultLogfileName,
	}
	if p.v.IsSet("defaults") {
		if err := p.v.UnmarshalKey("defaults", &defaults); err != nil {
			return nil, fmt.Errorf("parsing defaults: %w", err)
		}
	}

	var tasks []rawTask
	if err := p.v.UnmarshalKey("tasks", &tasks); err != nil {
		return nil, fmt.Errorf("parsing tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}

	for i, raw := range tasks {
		task, err := p.resolveTask(raw, defaults)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		cfg.Tasks = append(cfg.Tasks, task)
	}

	return cfg, nil
}

//nolint:gocyclo // one branch per overridable field
func (p *Parser) resolveTask(raw rawTask, d transferDefaults) (models.TaskConfig, error) {
	task := models.TaskConfig{
		Name:        raw.Name,
		Sources:     raw.Sources,
		Destination: p.expandEnv(raw.Destination),
	}

	if task.Name == "" {
		return task, fmt.Errorf("name is required")
	}
	if len(task.Sources) == 0 {
		return task, fmt.Errorf("task %s: sources is required", task.Name)
	}
	if task.Destination == "" {
		return task, fmt.Errorf("task %s: destination is required", task.Name)
	}
	if len(raw.Intervals) == 0 {
		return task, fmt.Errorf("task %s: at least one interval is required", task.Name)
	}

	for _, iv := range raw.Intervals {
		task.Intervals = append(task.Intervals, models.IntervalConfig{
			Name:      iv.Name,
			Schedule:  iv.Schedule,
			KeepCount: iv.Keep,
			KeepAge:   iv.Age,
		})
	}

	task.CreateDestination = pick(raw.CreateDestination, d.CreateDestination)
	task.Transfer = models.TransferSettings{
		Args:          pick(raw.RsyncArgs, d.RsyncArgs),
		OneFileSystem: pick(raw.OneFS, d.OneFS),
		SSHArgs:       pick(raw.SSHArgs, d.SSHArgs),
		Filter: models.FilterSettings{
			Filters:      pick(raw.Filters, d.Filters),
			Includes:     pick(raw.Includes, d.Includes),
			IncludeFiles: pick(raw.IncludeFiles, d.IncludeFiles),
			Excludes:     pick(raw.Excludes, d.Excludes),
			ExcludeFiles: pick(raw.ExcludeFiles, d.ExcludeFiles),
		},
	}
	if pick(raw.RsyncLogfile, d.RsyncLogfile) {
		task.Transfer.Logfile = &models.LogfileOptions{
			Name:   pick(raw.RsyncLogfileName, d.RsyncLogfileName),
			Format: pick(raw.RsyncLogfileFormat, d.RsyncLogfileFormat),
		}
		if task.Transfer.Logfile.Name == "" {
			task.Transfer.Logfile.Name = defaultLogfileName
		}
	}

	if raw.WOL != nil {
		task.WOL = &models.WOLConfig{
			MACAddress:    raw.WOL.MACAddress,
			BroadcastIP:   raw.WOL.BroadcastIP,
			PollURL:       raw.WOL.PollURL,
			Timeout:       raw.WOL.Timeout,
			PollInterval:  raw.WOL.PollInterval,
			StabilizeWait: raw.WOL.StabilizeWait,
		}

		if task.WOL.MACAddress == "" {
			return task, fmt.Errorf("task %s: wol.mac_address is required when wol is configured", task.Name)
		}

		// Set defaults.
		if task.WOL.BroadcastIP == "" {
			task.WOL.BroadcastIP = "255.255.255.255"
		}
		if task.WOL.Timeout == 0 {
			task.WOL.Timeout = 5 * time.Minute
		}
		if task.WOL.PollInterval == 0 {
			task.WOL.PollInterval = 10 * time.Second
		}
		if task.WOL.StabilizeWait == 0 {
			task.WOL.StabilizeWait = 10 * time.Second
		}
	}

	if raw.SSH != nil {
		task.SSH = &models.SSHConfig{
			Host:       raw.SSH.Host,
			Port:       raw.SSH.Port,
			Username:   raw.SSH.Username,
			KeyPath:    p.expandEnv(raw.SSH.KeyPath),
			KnownHosts: p.expandEnv(raw.SSH.KnownHosts),
		}

		if task.SSH.Port == 0 {
			task.SSH.Port = 22
		}
		if task.SSH.Username == "" {
			task.SSH.Username = "root"
		}
		if task.SSH.KeyPath == "" {
			return task, fmt.Errorf("task %s: ssh.key_path is required when ssh is configured", task.Name)
		}
	}

	return task, nil
}

func pick[T any](override *T, fallback T) T {
	if override != nil {
		return *override
	}
	return fallback
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration. It checks what
// parsing cannot: schedule and age syntax, uniqueness, and that referenced
// files and directories exist.
//
//nolint:gocognit,gocyclo // one check per rule
func Validate(cfg *models.DaemonConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}

	names := make(map[string]bool)
	for _, task := range cfg.Tasks {
		if task.Name == "" {
			return fmt.Errorf("task name is required")
		}
		if strings.Contains(task.Name, "/") {
			return fmt.Errorf("task %s: name must not contain '/'", task.Name)
		}
		if names[task.Name] {
			return fmt.Errorf("duplicate task name %s", task.Name)
		}
		names[task.Name] = true

		if err := validateIntervals(task); err != nil {
			return err
		}

		if len(task.Sources) == 0 {
			return fmt.Errorf("task %s: sources is required", task.Name)
		}
		for _, src := range task.Sources {
			if _, _, remote := models.SplitRemote(src); remote {
				continue
			}
			if _, err := os.Stat(src); err != nil {
				return fmt.Errorf("task %s: source %s: %w", task.Name, src, err)
			}
		}

		if task.Destination == "" {
			return fmt.Errorf("task %s: destination is required", task.Name)
		}
		if !task.CreateDestination {
			fi, err := os.Stat(task.Destination)
			if err != nil {
				return fmt.Errorf("task %s: destination %s: %w", task.Name, task.Destination, err)
			}
			if !fi.IsDir() {
				return fmt.Errorf("task %s: destination %s is not a directory", task.Name, task.Destination)
			}
		}

		if err := validateFilters(task); err != nil {
			return err
		}

		if task.WOL != nil {
			if err := checkStruct(task.Name, "wol", task.WOL); err != nil {
				return err
			}
		}
		if task.SSH != nil {
			if err := checkStruct(task.Name, "ssh", task.SSH); err != nil {
				return err
			}
		}
	}

	if err := checkStruct("", "control", cfg.Control); err != nil {
		return err
	}
	return checkStruct("", "metrics", cfg.Metrics)
}

// checkStruct runs the validate tags of s and names the first failing field
// by its config key, e.g. "task home: invalid wol.mac_address".
func checkStruct(task, section string, s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%s: %w", section, err)
	}
	fe := verrs[0]
	msg := fmt.Sprintf("invalid %s.%s %v (%s)", section, fe.Field(), fe.Value(), fe.Tag())
	if task != "" {
		return fmt.Errorf("task %s: %s", task, msg)
	}
	return errors.New(msg)
}

func validateIntervals(task models.TaskConfig) error {
	if len(task.Intervals) == 0 {
		return fmt.Errorf("task %s: at least one interval is required", task.Name)
	}
	seen := make(map[string]bool)
	for _, iv := range task.Intervals {
		if iv.Name == "" {
			return fmt.Errorf("task %s: interval name is required", task.Name)
		}
		if strings.Contains(iv.Name, "/") {
			return fmt.Errorf("task %s: interval name %s must not contain '/'", task.Name, iv.Name)
		}
		if seen[iv.Name] {
			return fmt.Errorf("task %s: duplicate interval %s", task.Name, iv.Name)
		}
		seen[iv.Name] = true

		if iv.KeepCount <= 0 {
			return fmt.Errorf("task %s: interval %s: keep must be positive, got %d", task.Name, iv.Name, iv.KeepCount)
		}
		if _, err := schedule.ParseCron(iv.Schedule); err != nil {
			return fmt.Errorf("task %s: interval %s: %w", task.Name, iv.Name, err)
		}
		if _, err := schedule.ParseAgeRule(iv.KeepAge); err != nil {
			return fmt.Errorf("task %s: interval %s: %w", task.Name, iv.Name, err)
		}
	}
	return nil
}

func validateFilters(task models.TaskConfig) error {
	f := task.Transfer.Filter
	patterns := map[string][]string{
		"filters":  f.Filters,
		"includes": f.Includes,
		"excludes": f.Excludes,
	}
	for kind, list := range patterns {
		for _, pattern := range list {
			if strings.TrimSpace(pattern) == "" {
				return fmt.Errorf("task %s: empty pattern in %s", task.Name, kind)
			}
		}
	}

	for _, file := range append(append([]string{}, f.IncludeFiles...), f.ExcludeFiles...) {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("task %s: filter file %s: %w", task.Name, file, err)
		}
	}
	return nil
}
