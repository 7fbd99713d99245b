package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

const (
	defaultTokenTTL       = 72 * time.Hour
	defaultReminderAfter  = 48
	defaultBusTopic       = "stageline.notifications"
	defaultWebhookRetries = 3
)

// Config models stageline.yml.
type Config struct {
	Sites         map[string]SiteConfig `yaml:"sites"`
	Users         []UserConfig          `yaml:"users"`
	StageCatalog  map[int]string        `yaml:"stage_catalog"`
	Notifications NotificationConfig    `yaml:"notifications"`
	ActionTokens  ActionTokenConfig     `yaml:"action_tokens"`
	Reminders     ReminderConfig        `yaml:"reminders"`
	Server        ServerConfig          `yaml:"server"`
}

type SiteConfig struct {
	Routing []RoutingConfig `yaml:"routing"`
}

type RoutingConfig struct {
	Stage       int    `yaml:"stage"`
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	DefaultUser string `yaml:"default_user,omitempty"`
	Active      *bool  `yaml:"active,omitempty"`
}

func (r RoutingConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Stage, validation.Required, validation.Min(domain.FirstStage), validation.Max(domain.FinalStage)),
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Role, validation.Required),
		validation.Field(&r.DefaultUser, is.EmailFormat),
	)
}

type UserConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Site     string `yaml:"site"`
	Role     string `yaml:"role"`
	Priority int    `yaml:"priority"`
	Active   *bool  `yaml:"active,omitempty"`
}

func (u UserConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.ID, validation.Required),
		validation.Field(&u.Name, validation.Required),
		validation.Field(&u.Email, validation.Required, is.EmailFormat),
		validation.Field(&u.Site, validation.Required),
		validation.Field(&u.Role, validation.Required),
		validation.Field(&u.Priority, validation.Min(0)),
	)
}

type WebhookConfig struct {
	URL            string            `yaml:"url"`
	Secret         string            `yaml:"secret,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	MaxRetries     *int              `yaml:"max_retries,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
}

type BusConfig struct {
	// Driver is one of "", "gochannel" or "kafka".
	Driver  string   `yaml:"driver"`
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

type NotificationConfig struct {
	Log      *bool           `yaml:"log,omitempty"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
	Bus      BusConfig       `yaml:"bus"`
}

type ActionTokenConfig struct {
	TTL       string `yaml:"ttl,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	Capacity  int    `yaml:"capacity,omitempty"`
}

type ReminderConfig struct {
	Schedule   string `yaml:"schedule,omitempty"`
	AfterHours int    `yaml:"after_hours,omitempty"`
}

type ServerConfig struct {
	JWTSecret         string `yaml:"jwt_secret,omitempty"`
	AllowLegacyHeader bool   `yaml:"allow_legacy_header,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("config.sites is required")
	}
	for code, site := range c.Sites {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("config.sites contains empty site code")
		}
		seen := map[int]bool{}
		for _, r := range site.Routing {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("site %s stage %d: %w", code, r.Stage, err)
			}
			if seen[r.Stage] {
				return fmt.Errorf("site %s has duplicate routing for stage %d", code, r.Stage)
			}
			seen[r.Stage] = true
		}
	}
	ids := map[string]bool{}
	for _, u := range c.Users {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
		if ids[u.ID] {
			return fmt.Errorf("duplicate user id %s", u.ID)
		}
		ids[u.ID] = true
		if _, ok := c.Sites[u.Site]; !ok {
			return fmt.Errorf("user %s references unknown site %s", u.ID, u.Site)
		}
	}
	for stage := range c.StageCatalog {
		if stage < domain.FirstStage || stage > domain.FinalStage {
			return fmt.Errorf("stage_catalog has out of range stage %d", stage)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
	}
	switch c.Notifications.Bus.Driver {
	case "", "gochannel":
	case "kafka":
		if len(c.Notifications.Bus.Brokers) == 0 {
			return fmt.Errorf("notifications.bus.brokers is required for kafka")
		}
	default:
		return fmt.Errorf("notifications.bus.driver %q not supported", c.Notifications.Bus.Driver)
	}
	if c.ActionTokens.TTL != "" {
		if _, err := time.ParseDuration(c.ActionTokens.TTL); err != nil {
			return fmt.Errorf("action_tokens.ttl: %w", err)
		}
	}
	return nil
}

// RoutingEntries flattens the per-site routing into domain entries, sorted by site and stage.
func (c *Config) RoutingEntries() []domain.RoutingEntry {
	var out []domain.RoutingEntry
	for code, site := range c.Sites {
		for _, r := range site.Routing {
			out = append(out, domain.RoutingEntry{
				Site:             code,
				StageNumber:      r.Stage,
				StageName:        r.Name,
				RequiredRole:     r.Role,
				DefaultUserEmail: strings.ToLower(strings.TrimSpace(r.DefaultUser)),
				Active:           boolOr(r.Active, true),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Site != out[j].Site {
			return out[i].Site < out[j].Site
		}
		return out[i].StageNumber < out[j].StageNumber
	})
	return out
}

// DirectoryUsers returns the configured user directory.
func (c *Config) DirectoryUsers() []domain.User {
	out := make([]domain.User, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, domain.User{
			ID:       u.ID,
			Name:     u.Name,
			Email:    strings.ToLower(strings.TrimSpace(u.Email)),
			Site:     u.Site,
			Role:     u.Role,
			Priority: u.Priority,
			Active:   boolOr(u.Active, true),
		})
	}
	return out
}

// CatalogMismatch is a display name disagreement between stage_catalog and a site's routing.
type CatalogMismatch struct {
	Site        string
	Stage       int
	CatalogName string
	RoutingName string
}

func (m CatalogMismatch) String() string {
	return fmt.Sprintf("site %s stage %d: catalog says %q, routing says %q", m.Site, m.Stage, m.CatalogName, m.RoutingName)
}

// Reconcile lists stage names that disagree between the display catalog and routing.
// Routing wins at runtime; mismatches are reported so they can be fixed at the source.
func (c *Config) Reconcile() []CatalogMismatch {
	var out []CatalogMismatch
	for _, e := range c.RoutingEntries() {
		name, ok := c.StageCatalog[e.StageNumber]
		if !ok || strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(e.StageName)) {
			continue
		}
		out = append(out, CatalogMismatch{Site: e.Site, Stage: e.StageNumber, CatalogName: name, RoutingName: e.StageName})
	}
	return out
}

func (c *Config) LogNotifications() bool {
	return boolOr(c.Notifications.Log, true)
}

func (c *Config) TokenTTL() time.Duration {
	if c.ActionTokens.TTL == "" {
		return defaultTokenTTL
	}
	d, err := time.ParseDuration(c.ActionTokens.TTL)
	if err != nil || d <= 0 {
		return defaultTokenTTL
	}
	return d
}

func (c *Config) ReminderAfter() time.Duration {
	h := c.Reminders.AfterHours
	if h <= 0 {
		h = defaultReminderAfter
	}
	return time.Duration(h) * time.Hour
}

func (c *Config) BusTopic() string {
	if c.Notifications.Bus.Topic == "" {
		return defaultBusTopic
	}
	return c.Notifications.Bus.Topic
}

func (w WebhookConfig) Retries() int {
	if w.MaxRetries == nil {
		return defaultWebhookRetries
	}
	return *w.MaxRetries
}

func (w WebhookConfig) IsEnabled() bool {
	return boolOr(w.Enabled, true)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `sites:
  NDS:
    routing:
      - {stage: 1, name: Registration, role: INIT}
      - {stage: 2, name: Evaluation, role: CTSD}
      - {stage: 3, name: Approval and IL Selection, role: SH}
      - {stage: 4, name: MOC Stage, role: IL}
      - {stage: 5, name: Technical Clearance, role: IL}
      - {stage: 6, name: Trial and Implementation, role: IL}
      - {stage: 7, name: Periodic Status Review, role: CTSD}
      - {stage: 8, name: Savings Monitoring, role: STLR}
      - {stage: 9, name: Saving Validation, role: ENH}
      - {stage: 10, name: Initiative Closure, role: CTSD}
      - {stage: 11, name: Final Closure, role: SH}

users:
  - {id: "17", name: Kavya, email: kavya@example.com, site: NDS, role: CTSD, priority: 1}
  - {id: "23", name: Priya, email: priya@example.com, site: NDS, role: SH, priority: 1}
  - {id: "42", name: Rajesh, email: rajesh@example.com, site: NDS, role: IL, priority: 1}
  - {id: "51", name: Meena, email: meena@example.com, site: NDS, role: STLR, priority: 1}
  - {id: "64", name: Arun, email: arun@example.com, site: NDS, role: ENH, priority: 1}

stage_catalog:
  1: Registration
  2: Evaluation
  3: Approval and IL Selection
  4: MOC Stage
  5: Technical Clearance
  6: Trial and Implementation
  7: Periodic Status Review
  8: Savings Monitoring
  9: Saving Validation
  10: Initiative Closure
  11: Final Closure

notifications:
  log: true
  bus:
    driver: gochannel

action_tokens:
  ttl: 72h

reminders:
  schedule: "@daily"
  after_hours: 48
`
