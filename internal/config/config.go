package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Hardware   HardwareConfig   `mapstructure:"hardware"`
	Process    ProcessConfig    `mapstructure:"process"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Events     EventsConfig     `mapstructure:"events"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Workorders WorkordersConfig `mapstructure:"workorders"`
}

type ServerConfig struct {
	HMIAddress      string        `mapstructure:"hmi_address"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HardwareConfig describes the I/O gateway the kneader is wired to.
type HardwareConfig struct {
	Driver  string        `mapstructure:"driver"` // modbus | simulator
	Address string        `mapstructure:"address"`
	UnitID  int           `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Reconnect circuit breaker
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`

	Tags       TagNames               `mapstructure:"tags"`
	Registers  map[string]RegisterMap `mapstructure:"registers"`
	Simulation SimulationConfig       `mapstructure:"simulation"`
}

// TagNames are the logical tag names used by the controller.
type TagNames struct {
	LidStatus    string `mapstructure:"lid_status"`
	MotorStatus  string `mapstructure:"motor_status"`
	LidControl   string `mapstructure:"lid_control"`
	MotorControl string `mapstructure:"motor_control"`
}

// RegisterMap binds a logical tag to a Modbus address.
type RegisterMap struct {
	Type    string `mapstructure:"type"` // coil | discrete_input | holding_register | input_register
	Address uint16 `mapstructure:"address"`
	Access  string `mapstructure:"access"`
}

type SimulationConfig struct {
	ActuationDelay time.Duration `mapstructure:"actuation_delay"`
}

// ProcessConfig holds the timing discipline of a workorder run.
type ProcessConfig struct {
	LidCloseTimeout         time.Duration `mapstructure:"lid_close_timeout"`
	MotorStartTimeout       time.Duration `mapstructure:"motor_start_timeout"`
	LidOpenTimeout          time.Duration `mapstructure:"lid_open_timeout"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	MonitorInterval         time.Duration `mapstructure:"monitor_interval"`
	StatusLogInterval       time.Duration `mapstructure:"status_log_interval"`
	AbortedLogInterval      time.Duration `mapstructure:"aborted_log_interval"`
	ProgressLogInterval     time.Duration `mapstructure:"progress_log_interval"`
	RemainingReportInterval time.Duration `mapstructure:"remaining_report_interval"`
	GraceWindow             time.Duration `mapstructure:"grace_window"`
	CommandAttempts         int           `mapstructure:"command_attempts"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
	ResponseTimeout         time.Duration `mapstructure:"response_timeout"`
	Policy                  PolicyConfig  `mapstructure:"policy"`
}

// PolicyConfig lists the process states in which operator commands are honoured.
type PolicyConfig struct {
	Abort  []string `mapstructure:"abort"`
	Cancel []string `mapstructure:"cancel"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	StatusLogFile string `mapstructure:"status_log_file"`
	EventLogFile  string `mapstructure:"event_log_file"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	JWTSecretEnv   string           `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration    `mapstructure:"access_token_ttl"`
	Operators      []OperatorConfig `mapstructure:"operators"`
}

type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	Role         string `mapstructure:"role"`
	PasswordHash string `mapstructure:"password_hash"`
}

type WorkordersConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.hmi_address", "127.0.0.1:6000")
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("hardware.driver", "modbus")
	v.SetDefault("hardware.address", "127.0.0.1:5020")
	v.SetDefault("hardware.unit_id", 1)
	v.SetDefault("hardware.timeout", "10s")
	v.SetDefault("hardware.breaker_failures", 5)
	v.SetDefault("hardware.breaker_cooldown", "10s")
	v.SetDefault("hardware.tags.lid_status", "rd_lid_status_kn1")
	v.SetDefault("hardware.tags.motor_status", "rd_motor_status_kn1")
	v.SetDefault("hardware.tags.lid_control", "wr_lid_status_kn1")
	v.SetDefault("hardware.tags.motor_control", "wr_motor_control_kn1")
	v.SetDefault("hardware.simulation.actuation_delay", "1s")

	v.SetDefault("process.lid_close_timeout", "30s")
	v.SetDefault("process.motor_start_timeout", "60s")
	v.SetDefault("process.lid_open_timeout", "30s")
	v.SetDefault("process.poll_interval", "500ms")
	v.SetDefault("process.monitor_interval", "1s")
	v.SetDefault("process.status_log_interval", "5s")
	v.SetDefault("process.aborted_log_interval", "2s")
	v.SetDefault("process.progress_log_interval", "5s")
	v.SetDefault("process.remaining_report_interval", "1s")
	v.SetDefault("process.grace_window", "10s")
	v.SetDefault("process.command_attempts", 3)
	v.SetDefault("process.retry_backoff", "1s")
	v.SetDefault("process.response_timeout", "15s")
	v.SetDefault("process.policy.abort", []string{"MIXING", "WAITING_FOR_ITEMS", "READY_TO_LOAD"})
	v.SetDefault("process.policy.cancel", []string{"PRESCANNING", "PRESCAN_COMPLETE", "WAITING_FOR_ITEMS", "READY_TO_LOAD"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.status_log_file", "logs/kneader.json")
	v.SetDefault("logging.event_log_file", "logs/kneader_events.json")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("events.subject", "kneader.events")

	v.SetDefault("auth.jwt_secret_env", "KNEADER_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "12h")

	v.SetDefault("workorders.search_paths", []string{"workorders"})
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables mit Prefix KNEADER_
	v.SetEnvPrefix("KNEADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Default returns the configuration with all defaults applied and no file read.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		// defaults are static, this cannot fail at runtime
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &config
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "KNEADER_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}
