package fleet

import (
	"fmt"
	"time"
)

// Config is the full configuration surface, decoded from FLEET_* environment
// variables by envconfig in cmd/fleetd.
type Config struct {
	// CI provider
	GitHubOwner   string `envconfig:"GITHUB_OWNER" required:"true"`
	GitHubRepo    string `envconfig:"GITHUB_REPO" required:"true"`
	GitHubToken   string `envconfig:"GITHUB_TOKEN" required:"true"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`

	// HTTP
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Launch placement
	SubnetID        string `envconfig:"SUBNET_ID" required:"true"`
	SecurityGroupID string `envconfig:"SECURITY_GROUP_ID" required:"true"`

	// Spot fallback lists, preferred (local NVMe) shape first.
	ARMInstanceTypes []string `envconfig:"ARM_INSTANCE_TYPES" default:"c7gd.2xlarge,c7g.2xlarge,m7g.2xlarge"`
	X86InstanceTypes []string `envconfig:"X86_INSTANCE_TYPES" default:"c5d.2xlarge,c5.2xlarge,m5.2xlarge"`

	// Fleet policy
	MaxRunnersPerArch   int `envconfig:"MAX_RUNNERS_PER_ARCH" default:"2"`
	LeaseMinutes        int `envconfig:"LEASE_MINUTES" default:"30"`
	StartupGraceMinutes int `envconfig:"STARTUP_GRACE_MINUTES" default:"10"`
	HelperMaxAgeHours   int `envconfig:"HELPER_MAX_AGE_HOURS" default:"2"`

	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`

	// Idle auto-stop for long-lived metal instances
	IdleStopHours      int           `envconfig:"IDLE_STOP_HOURS" default:"4"`
	IdleStopCPUPercent float64       `envconfig:"IDLE_STOP_CPU_PERCENT" default:"5"`
	IdleStopInterval   time.Duration `envconfig:"IDLE_STOP_INTERVAL" default:"1h"`

	// Operator notification
	SNSTopicARN string `envconfig:"SNS_TOPIC_ARN"`
}

func (c *Config) Validate() error {
	if c.MaxRunnersPerArch < 1 {
		return fmt.Errorf("max_runners_per_arch must be at least 1, got %d", c.MaxRunnersPerArch)
	}
	if c.LeaseMinutes < 1 {
		return fmt.Errorf("lease_minutes must be at least 1, got %d", c.LeaseMinutes)
	}
	if c.IdleStopHours < 1 {
		return fmt.Errorf("idle_stop_hours must be at least 1, got %d", c.IdleStopHours)
	}
	if len(c.ARMInstanceTypes) == 0 || len(c.X86InstanceTypes) == 0 {
		return fmt.Errorf("instance type fallback lists must not be empty")
	}
	return nil
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseMinutes) * time.Minute
}

func (c *Config) StartupGrace() time.Duration {
	return time.Duration(c.StartupGraceMinutes) * time.Minute
}

func (c *Config) HelperMaxAge() time.Duration {
	return time.Duration(c.HelperMaxAgeHours) * time.Hour
}
