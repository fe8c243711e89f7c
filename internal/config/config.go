package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
    App        AppConfig        `mapstructure:"app"`
    Database   DatabaseConfig   `mapstructure:"database"`
    Redis      RedisConfig      `mapstructure:"redis"`
    HTTP       HTTPConfig       `mapstructure:"http"`
    Carrier    CarrierConfig    `mapstructure:"carrier"`
    Fraud      FraudConfig      `mapstructure:"fraud"`
    Webhook    WebhookConfig    `mapstructure:"webhook"`
    Rating     RatingConfig     `mapstructure:"rating"`
    Monitoring MonitoringConfig `mapstructure:"monitoring"`
    Security   SecurityConfig   `mapstructure:"security"`
}

// AppConfig holds application-level configuration
type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    Charset         string        `mapstructure:"charset"`
}

// RedisConfig holds Redis cache configuration
type RedisConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// HTTPConfig holds the ingress HTTP server configuration
type HTTPConfig struct {
    ListenAddress   string        `mapstructure:"listen_address"`
    Port            int           `mapstructure:"port"`
    ReadTimeout     time.Duration `mapstructure:"read_timeout"`
    WriteTimeout    time.Duration `mapstructure:"write_timeout"`
    IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
    ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
    APISecret       string        `mapstructure:"api_secret"`
}

// CarrierConfig holds outbound SMS/voice carrier configuration
type CarrierConfig struct {
    SMS   SMSConfig   `mapstructure:"sms"`
    Voice VoiceConfig `mapstructure:"voice"`
}

// SMSConfig holds the SMS REST API configuration
type SMSConfig struct {
    Enabled     bool          `mapstructure:"enabled"`
    BaseURL     string        `mapstructure:"base_url"`
    Username    string        `mapstructure:"username"`
    Password    string        `mapstructure:"password"`
    Timeout     time.Duration `mapstructure:"timeout"`
    MessageTmpl string        `mapstructure:"message_template"`
}

// VoiceConfig holds the SIP/AMI trunk configuration
type VoiceConfig struct {
    Enabled           bool          `mapstructure:"enabled"`
    AMIHost           string        `mapstructure:"ami_host"`
    AMIPort           int           `mapstructure:"ami_port"`
    AMIUsername       string        `mapstructure:"ami_username"`
    AMIPassword       string        `mapstructure:"ami_password"`
    Trunk             string        `mapstructure:"trunk"`
    SIPHost           string        `mapstructure:"sip_host"`
    ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
    PingInterval      time.Duration `mapstructure:"ping_interval"`
    ActionTimeout     time.Duration `mapstructure:"action_timeout"`
    ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
    EventBufferSize   int           `mapstructure:"event_buffer_size"`
    PlaybackTimeout   time.Duration `mapstructure:"playback_timeout"`
}

// FraudConfig holds fraud-engine scoring weights, thresholds and TTLs
type FraudConfig struct {
    BurstSubnetWindow     time.Duration `mapstructure:"burst_subnet_window"`
    BurstSubnetThreshold  int           `mapstructure:"burst_subnet_threshold"`
    BurstPhoneWindow      time.Duration `mapstructure:"burst_phone_window"`
    BurstPhoneThreshold   int           `mapstructure:"burst_phone_threshold"`
    PrefixFailWindow      time.Duration `mapstructure:"prefix_fail_window"`
    PrefixFailMinAttempts int           `mapstructure:"prefix_fail_min_attempts"`
    PrefixFailRateFloor   float64       `mapstructure:"prefix_fail_rate_floor"`
    LowTrustMinTotal      int           `mapstructure:"low_trust_min_total"`
    LowTrustFloor         float64       `mapstructure:"low_trust_floor"`
    ShadowBanThreshold    int           `mapstructure:"shadow_ban_threshold"`
    HoneypotThreshold     int           `mapstructure:"honeypot_threshold"`
    HoneypotTTL           time.Duration `mapstructure:"honeypot_ttl"`
    ShadowBanUnresolvedASN bool         `mapstructure:"shadow_ban_unresolved_asn"`
    BreakerFailureThreshold int         `mapstructure:"breaker_failure_threshold"`
    BreakerWindow           time.Duration `mapstructure:"breaker_window"`
    BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
    CodeDigestPepper        string        `mapstructure:"code_digest_pepper"`
    RequestTTL              time.Duration `mapstructure:"request_ttl"`
}

// WebhookConfig holds webhook delivery configuration
type WebhookConfig struct {
    MaxAttempts     int           `mapstructure:"max_attempts"`
    InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
    MaxBackoff      time.Duration `mapstructure:"max_backoff"`
    RequestTimeout  time.Duration `mapstructure:"request_timeout"`
    QueueSize       int           `mapstructure:"queue_size"`
}

// RatingConfig holds CDR-driven rate-learning configuration
type RatingConfig struct {
    Interval        time.Duration `mapstructure:"interval"`
    BatchSize       int           `mapstructure:"batch_size"`
    EMAAlpha        float64       `mapstructure:"ema_alpha"`
    ConfidenceBasis float64       `mapstructure:"confidence_basis"`
}

// MonitoringConfig holds monitoring and observability configuration
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
    Enabled   bool   `mapstructure:"enabled"`
    Port      int    `mapstructure:"port"`
    Path      string `mapstructure:"path"`
    Namespace string `mapstructure:"namespace"`
    Subsystem string `mapstructure:"subsystem"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
    Enabled       bool          `mapstructure:"enabled"`
    Port          int           `mapstructure:"port"`
    LivenessPath  string        `mapstructure:"liveness_path"`
    ReadinessPath string        `mapstructure:"readiness_path"`
    CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    Output string                 `mapstructure:"output"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

// FileLogConfig holds file-based logging configuration
type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
    RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
    Enabled        bool          `mapstructure:"enabled"`
    RequestsPerMin int           `mapstructure:"requests_per_min"`
    BurstSize      int           `mapstructure:"burst_size"`
    CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Load loads configuration from file and environment
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/otp-gateway")
        viper.AddConfigPath(".")
    }

    // Set environment variable support
    viper.SetEnvPrefix("OTP_GATEWAY")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    // Set defaults
    setDefaults()

    // Read configuration
    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
        // Config file not found; use defaults and environment
    }

    // Unmarshal into config struct
    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    // Validate configuration
    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
    // App defaults
    viper.SetDefault("app.name", "otp-gateway")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    // Database defaults
    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "otpgw")
    viper.SetDefault("database.password", "otpgw")
    viper.SetDefault("database.database", "otp_gateway")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")
    viper.SetDefault("database.charset", "utf8mb4")

    // Redis defaults
    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")

    // HTTP defaults
    viper.SetDefault("http.listen_address", "0.0.0.0")
    viper.SetDefault("http.port", 8080)
    viper.SetDefault("http.read_timeout", "10s")
    viper.SetDefault("http.write_timeout", "10s")
    viper.SetDefault("http.idle_timeout", "120s")
    viper.SetDefault("http.shutdown_timeout", "30s")

    // Carrier defaults
    viper.SetDefault("carrier.sms.enabled", true)
    viper.SetDefault("carrier.sms.timeout", "10s")
    viper.SetDefault("carrier.sms.message_template", "Your verification code is {code}")
    viper.SetDefault("carrier.voice.enabled", true)
    viper.SetDefault("carrier.voice.ami_port", 5038)
    viper.SetDefault("carrier.voice.reconnect_interval", "5s")
    viper.SetDefault("carrier.voice.ping_interval", "30s")
    viper.SetDefault("carrier.voice.action_timeout", "10s")
    viper.SetDefault("carrier.voice.connect_timeout", "10s")
    viper.SetDefault("carrier.voice.event_buffer_size", 1000)
    viper.SetDefault("carrier.voice.playback_timeout", "60s")

    // Fraud defaults (weights fixed in code per §4.3; these are thresholds/windows)
    viper.SetDefault("fraud.burst_subnet_window", "5m")
    viper.SetDefault("fraud.burst_subnet_threshold", 10)
    viper.SetDefault("fraud.burst_phone_window", "10m")
    viper.SetDefault("fraud.burst_phone_threshold", 5)
    viper.SetDefault("fraud.prefix_fail_window", "24h")
    viper.SetDefault("fraud.prefix_fail_min_attempts", 20)
    viper.SetDefault("fraud.prefix_fail_rate_floor", 0.3)
    viper.SetDefault("fraud.low_trust_min_total", 10)
    viper.SetDefault("fraud.low_trust_floor", 0.1)
    viper.SetDefault("fraud.shadow_ban_threshold", 80)
    viper.SetDefault("fraud.honeypot_threshold", 50)
    viper.SetDefault("fraud.honeypot_ttl", "1h")
    viper.SetDefault("fraud.shadow_ban_unresolved_asn", false)
    viper.SetDefault("fraud.breaker_failure_threshold", 5)
    viper.SetDefault("fraud.breaker_window", "1m")
    viper.SetDefault("fraud.breaker_cooldown", "30s")
    viper.SetDefault("fraud.request_ttl", "10m")

    // Webhook defaults
    viper.SetDefault("webhook.max_attempts", 5)
    viper.SetDefault("webhook.initial_backoff", "1s")
    viper.SetDefault("webhook.max_backoff", "256s")
    viper.SetDefault("webhook.request_timeout", "10s")
    viper.SetDefault("webhook.queue_size", 256)

    // Rating defaults
    viper.SetDefault("rating.interval", "1m")
    viper.SetDefault("rating.batch_size", 1000)
    viper.SetDefault("rating.ema_alpha", 0.2)
    viper.SetDefault("rating.confidence_basis", 100)

    // Monitoring defaults
    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.metrics.namespace", "otpgw")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8081)
    viper.SetDefault("monitoring.health.liveness_path", "/health/live")
    viper.SetDefault("monitoring.health.readiness_path", "/health/ready")
    viper.SetDefault("monitoring.health.check_timeout", "5s")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")

    // Security defaults
    viper.SetDefault("security.rate_limit.enabled", true)
    viper.SetDefault("security.rate_limit.requests_per_min", 600)
    viper.SetDefault("security.rate_limit.burst_size", 50)
    viper.SetDefault("security.rate_limit.cleanup_interval", "10m")
}

// Validate validates the configuration
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Username == "" {
        return fmt.Errorf("database username is required")
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
        return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
    }
    if c.HTTP.APISecret == "" {
        return fmt.Errorf("http api_secret is required")
    }

    if c.Redis.Host != "" {
        if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
            return fmt.Errorf("invalid Redis port: %d", c.Redis.Port)
        }
    }

    if c.Carrier.Voice.Enabled && c.Carrier.Voice.AMIHost != "" {
        if c.Carrier.Voice.AMIPort <= 0 || c.Carrier.Voice.AMIPort > 65535 {
            return fmt.Errorf("invalid AMI port: %d", c.Carrier.Voice.AMIPort)
        }
        if c.Carrier.Voice.AMIUsername == "" {
            return fmt.Errorf("voice ami_username is required when voice is enabled")
        }
        if c.Carrier.Voice.Trunk == "" {
            return fmt.Errorf("voice trunk is required when voice is enabled")
        }
    }

    if c.Carrier.SMS.Enabled && c.Carrier.SMS.BaseURL == "" {
        return fmt.Errorf("sms base_url is required when sms is enabled")
    }

    if c.Fraud.CodeDigestPepper == "" {
        return fmt.Errorf("fraud code_digest_pepper is required")
    }

    if c.Monitoring.Metrics.Enabled {
        if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
            return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
        }
    }
    if c.Monitoring.Health.Enabled {
        if c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535 {
            return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
        }
    }

    if c.Webhook.MaxAttempts <= 0 {
        return fmt.Errorf("webhook max_attempts must be positive")
    }

    return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }

    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local",
        c.Username,
        c.Password,
        c.Host,
        c.Port,
        c.Database,
        charset,
    )
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetHTTPAddr returns the ingress HTTP listen address
func (c *HTTPConfig) GetHTTPAddr() string {
    return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// GetAMIAddr returns the AMI server address
func (c *VoiceConfig) GetAMIAddr() string {
    return fmt.Sprintf("%s:%d", c.AMIHost, c.AMIPort)
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
    return strings.ToLower(c.Environment) == "development"
}

// IsDebug returns true if debug mode is enabled
func (c *AppConfig) IsDebug() bool {
    return c.Debug
}
