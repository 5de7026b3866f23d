package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Limit type tags understood by the policy engine.
const (
	LimitGroupMinutes = "group-minutes"
	LimitMaxMinutes   = "max-minutes"
	LimitGroupTRES    = "group-TRES"
)

// Offering sync modes.
const (
	ModeEvent = "event"
	ModePoll  = "poll"
)

type Config struct {
	Server      Server      `yaml:"server"`
	State       State       `yaml:"state"`
	Pipeline    Pipeline    `yaml:"pipeline"`
	Orders      Orders      `yaml:"orders"`
	Marketplace Marketplace `yaml:"marketplace"`
	Offerings   []Offering  `yaml:"offerings" validate:"required,min=1,dive"`
}

type Server struct {
	Slurmdb *Slurmdb `yaml:"slurmdb"`
	LDAP    *LDAP    `yaml:"ldap"`
	// WebhookToken, when set, must accompany webhook event deliveries as "Token <value>".
	WebhookToken string `yaml:"webhookToken"`
}

// Database holds MySQL connection settings shared by the state store and slurmdbd reader.
type Database struct {
	Host            string `yaml:"host" validate:"required"`
	Port            int    `yaml:"port" validate:"required,gt=0"`
	User            string `yaml:"user" validate:"required"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database" validate:"required"`
	Charset         string `yaml:"charset"`
	ParseTime       bool   `yaml:"parseTime"`
	Loc             string `yaml:"loc"`
	TLS             string `yaml:"tls"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
}

type Slurmdb struct {
	Database    `yaml:",inline"`
	ClusterName string `yaml:"ClusterName" validate:"required"`
}

type LDAP struct {
	Host               string `yaml:"host" validate:"required"`
	Port               int    `yaml:"port" validate:"required,gt=0"`
	UseTLS             bool   `yaml:"useTLS"`
	StartTLS           bool   `yaml:"startTLS"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	ServerName         string `yaml:"serverName"`
	RootCAFile         string `yaml:"rootCAFile"`
	ClientCertFile     string `yaml:"clientCertFile"`
	ClientKeyFile      string `yaml:"clientKeyFile"`
	BindDN             string `yaml:"bindDN"`
	BindPassword       string `yaml:"bindPassword"`
	BaseDN             string `yaml:"baseDN" validate:"required"`
	// LookupAttr is matched against the marketplace username, e.g. "mail" or "uid".
	LookupAttr     string `yaml:"lookupAttr"`
	UsernameAttr   string `yaml:"usernameAttr"`
	ConnectTimeout string `yaml:"connectTimeout"`
	ReadTimeout    string `yaml:"readTimeout"`
}

// State selects where resource state, accumulated usage and directives are persisted.
type State struct {
	Driver string    `yaml:"driver" validate:"required,oneof=bolt mysql"`
	Path   string    `yaml:"path" validate:"required_if=Driver bolt"`
	MySQL  *Database `yaml:"mysql" validate:"required_if=Driver mysql"`
}

type Retry struct {
	Attempts  int      `yaml:"attempts" validate:"gte=1"`
	BaseDelay Duration `yaml:"baseDelay" validate:"gt=0"`
	MaxDelay  Duration `yaml:"maxDelay" validate:"gtefield=BaseDelay"`
}

type Pipeline struct {
	Workers       int      `yaml:"workers" validate:"gte=1"`
	Tick          Duration `yaml:"tick" validate:"gt=0"`
	CallTimeout   Duration `yaml:"callTimeout" validate:"gt=0"`
	ProbeInterval Duration `yaml:"probeInterval" validate:"gt=0"`
	ProbeTimeout  Duration `yaml:"probeTimeout" validate:"gt=0"`
	DedupWindow   Duration `yaml:"dedupWindow" validate:"gt=0"`
	DedupSize     int      `yaml:"dedupSize" validate:"gte=1"`
	Retry         Retry    `yaml:"retry"`
}

type Orders struct {
	Interval           Duration `yaml:"interval" validate:"gt=0"`
	MembershipInterval Duration `yaml:"membershipInterval" validate:"gt=0"`
	CallTimeout        Duration `yaml:"callTimeout" validate:"gt=0"`
	Retry              Retry    `yaml:"retry"`
}

type Marketplace struct {
	URL       string   `yaml:"url" validate:"omitempty,url"`
	EventsURL string   `yaml:"eventsURL" validate:"omitempty,url"`
	Token     string   `yaml:"token"`
	Timeout   Duration `yaml:"timeout"`
}

type Offering struct {
	ID                  string    `yaml:"id" validate:"required"`
	Name                string    `yaml:"name"`
	Mode                string    `yaml:"mode" validate:"oneof=event poll"`
	PollInterval        Duration  `yaml:"pollInterval" validate:"gt=0"`
	Period              string    `yaml:"period" validate:"required"`
	Timezone            string    `yaml:"timezone"`
	AllocationComponent string    `yaml:"allocationComponent" validate:"required"`
	RateLimit           RateLimit `yaml:"rateLimit"`
	Backend             Backend   `yaml:"backend"`
	Limits              Limits    `yaml:"limits"`
}

type RateLimit struct {
	QPS   float64 `yaml:"qps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

type Backend struct {
	Kind  string        `yaml:"kind" validate:"required,oneof=slurm minio mock"`
	Slurm *SlurmBackend `yaml:"slurm"`
	Minio *MinioBackend `yaml:"minio"`
}

type SlurmBackend struct {
	Cluster       string   `yaml:"cluster"`
	AccountPrefix string   `yaml:"accountPrefix"`
	Parent        string   `yaml:"parent"`
	Organization  string   `yaml:"organization"`
	QoS           QoSNames `yaml:"qos"`
}

// QoSNames maps the three tiers onto scheduler QoS names.
type QoSNames struct {
	Normal   string `yaml:"normal" validate:"required"`
	Slowdown string `yaml:"slowdown" validate:"required"`
	Blocked  string `yaml:"blocked" validate:"required"`
}

type MinioBackend struct {
	Endpoint     string `yaml:"endpoint" validate:"required"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	UseSSL       bool   `yaml:"useSSL"`
	Region       string `yaml:"region"`
	BucketPrefix string `yaml:"bucketPrefix"`
}

type Limits struct {
	Type               string               `yaml:"type" validate:"required,oneof=group-minutes max-minutes group-TRES"`
	HalfLife           Duration             `yaml:"halfLife" validate:"gte=0"`
	ResetGuard         Duration             `yaml:"resetGuard" validate:"gte=0"`
	Dimensions         map[string]Dimension `yaml:"dimensions" validate:"required,min=1,dive"`
	SlowdownAt         float64              `yaml:"slowdownAt" validate:"gte=0"`
	BlockAt            float64              `yaml:"blockAt" validate:"gtefield=SlowdownAt"`
	RelativeThresholds bool                 `yaml:"relativeThresholds"`
	Carryover          bool                 `yaml:"carryover"`
	FairshareScale     float64              `yaml:"fairshareScale" validate:"gt=0"`
	MaxJobShare        float64              `yaml:"maxJobShare" validate:"gt=0,lte=1"`
	ResetUsageOnPeriod bool                 `yaml:"resetUsageOnPeriod"`
}

type Dimension struct {
	Weight     float64 `yaml:"weight" validate:"gte=0"`
	UnitFactor float64 `yaml:"unitFactor" validate:"gte=0"`
}

// Duration is a time.Duration read from strings such as "90s" or "720h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Load reads a YAML config file from the given path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	if c.State.Driver == "" {
		c.State.Driver = "bolt"
	}
	if c.State.Driver == "bolt" && c.State.Path == "" {
		c.State.Path = "siteagent.db"
	}

	p := &c.Pipeline
	setInt(&p.Workers, 8)
	setDuration(&p.Tick, 30*time.Second)
	setDuration(&p.CallTimeout, 30*time.Second)
	setDuration(&p.ProbeInterval, time.Minute)
	setDuration(&p.ProbeTimeout, 10*time.Second)
	setDuration(&p.DedupWindow, 10*time.Minute)
	setInt(&p.DedupSize, 4096)
	p.Retry.setDefaults()

	o := &c.Orders
	setDuration(&o.Interval, time.Minute)
	setDuration(&o.MembershipInterval, 10*time.Minute)
	setDuration(&o.CallTimeout, time.Minute)
	o.Retry.setDefaults()

	setDuration(&c.Marketplace.Timeout, 30*time.Second)

	if c.Server.LDAP != nil {
		if c.Server.LDAP.LookupAttr == "" {
			c.Server.LDAP.LookupAttr = "uid"
		}
		if c.Server.LDAP.UsernameAttr == "" {
			c.Server.LDAP.UsernameAttr = "uid"
		}
	}

	for i := range c.Offerings {
		off := &c.Offerings[i]
		if off.Mode == "" {
			off.Mode = ModePoll
		}
		setDuration(&off.PollInterval, time.Hour)
		if off.Period == "" {
			off.Period = "0 0 1 * *"
		}
		if off.AllocationComponent == "" {
			off.AllocationComponent = "allocation"
		}
		if off.Limits.FairshareScale == 0 {
			off.Limits.FairshareScale = 1
		}
		if off.Limits.MaxJobShare == 0 {
			off.Limits.MaxJobShare = 1
		}
		if s := off.Backend.Slurm; s != nil && s.Parent == "" {
			s.Parent = "root"
		}
	}
}

func (r *Retry) setDefaults() {
	setInt(&r.Attempts, 5)
	setDuration(&r.BaseDelay, time.Second)
	setDuration(&r.MaxDelay, time.Minute)
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *Duration, def time.Duration) {
	if *v <= 0 {
		*v = Duration(def)
	}
}

// Validate runs struct validation plus the cross-field checks the tags cannot express.
// All problems are reported together.
func (c *Config) Validate() error {
	var result *multierror.Error

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				result = multierror.Append(result, fmt.Errorf("%s: failed on %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Offerings))
	for i, off := range c.Offerings {
		prefix := fmt.Sprintf("offerings[%d]", i)
		if _, dup := seen[off.ID]; dup {
			result = multierror.Append(result, fmt.Errorf("%s: duplicate offering id %q", prefix, off.ID))
		}
		seen[off.ID] = struct{}{}

		if err := ValidatePeriod(off.Period); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s.period: %w", prefix, err))
		}
		if _, err := off.Location(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s.timezone: %w", prefix, err))
		}
		switch off.Backend.Kind {
		case "slurm":
			if off.Backend.Slurm == nil {
				result = multierror.Append(result, fmt.Errorf("%s.backend: slurm section is required for kind slurm", prefix))
			}
		case "minio":
			if off.Backend.Minio == nil {
				result = multierror.Append(result, fmt.Errorf("%s.backend: minio section is required for kind minio", prefix))
			}
		}
		if off.Mode == ModeEvent && c.Marketplace.EventsURL == "" {
			result = multierror.Append(result, fmt.Errorf("%s.mode: event mode requires marketplace.eventsURL", prefix))
		}
		var weighted bool
		for name, d := range off.Limits.Dimensions {
			if strings.TrimSpace(name) == "" {
				result = multierror.Append(result, fmt.Errorf("%s.limits.dimensions: empty dimension name", prefix))
			}
			if d.Weight > 0 {
				weighted = true
			}
		}
		if len(off.Limits.Dimensions) > 0 && !weighted {
			result = multierror.Append(result, fmt.Errorf("%s.limits.dimensions: at least one dimension needs a positive weight", prefix))
		}
	}

	return result.ErrorOrNil()
}

// Location returns the time zone billing periods are anchored in. The default is UTC.
func (o Offering) Location() (*time.Location, error) {
	if o.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(o.Timezone)
}

// ValidatePeriod checks that expr is a standard five-field cron expression anchored to wall-clock
// boundaries. Constant-delay descriptors such as "@every 1h" have no fixed start and are refused.
func ValidatePeriod(expr string) error {
	if strings.HasPrefix(strings.TrimSpace(expr), "@every") {
		return fmt.Errorf("%q: @every schedules have no period boundary", expr)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%q: %w", expr, err)
	}
	return nil
}
