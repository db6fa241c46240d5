package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/errors"
)

// Config holds the full gateway configuration
type Config struct {
	SIP         SIPConfig
	MediaServer MediaServerConfig
	HTTP        HTTPConfig
	AMQP        AMQPConfig
	Logging     LoggingConfig
}

// SIPConfig holds the SIP signaling configuration
type SIPConfig struct {
	// Serial is the gateway's own GB28181 serial (the From user on outbound requests)
	Serial string

	// Realm is the GB28181 administrative domain, also used as the digest realm
	Realm string

	// Host is the address the SIP listeners bind to and advertise in SDP/Via
	Host string

	// Port serves both the UDP and the TCP listening point
	Port int

	// Password is the shared registration password; a device record may override it
	Password string

	// AckTimeout bounds catalog/device-info exchanges
	AckTimeout time.Duration

	// KeepaliveTimeout is the liveness window reported to operators
	KeepaliveTimeout time.Duration

	// InviteTimeout bounds the stream invitation exchange
	InviteTimeout time.Duration

	// CatalogInterval is the default per-device catalog refresh period
	CatalogInterval time.Duration
}

// MediaServerConfig describes the SRS instance the gateway provisions channels on
type MediaServerConfig struct {
	Host     string
	APIPort  int
	HTTPPort int
	RTMPPort int

	// RTPMuxPort is the fixed RTP mux port advertised in the SDP media line
	RTPMuxPort int

	// App is the application name passed to create_channel
	App string

	// ExtendedCodecs adds the extended payload-type set to generated SDP
	ExtendedCodecs bool
}

// HTTPConfig holds the operator API server configuration
type HTTPConfig struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableMetrics bool
}

// AMQPConfig holds the event publisher configuration; an empty URL disables it
type AMQPConfig struct {
	URL        string
	QueueName  string
	RoutingKey string
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads the configuration from environment variables or a .env file
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded configuration from .env file")
	} else {
		logger.Debug("No .env file found, using environment variables only")
	}

	config := &Config{
		SIP: SIPConfig{
			Serial:           getEnv("SIP_SERIAL", "34020000002000000001"),
			Realm:            getEnv("SIP_REALM", "3402000000"),
			Host:             getEnv("SIP_HOST", "0.0.0.0"),
			Port:             getEnvInt(logger, "SIP_PORT", 5060),
			Password:         getEnv("SIP_PASSWORD", "12345678"),
			AckTimeout:       getEnvDuration(logger, "SIP_ACK_TIMEOUT", 30*time.Second),
			KeepaliveTimeout: getEnvDuration(logger, "SIP_KEEPALIVE_TIMEOUT", 120*time.Second),
			InviteTimeout:    getEnvDuration(logger, "SIP_INVITE_TIMEOUT", 15*time.Second),
			CatalogInterval:  getEnvDuration(logger, "SIP_CATALOG_INTERVAL", 3600*time.Second),
		},
		MediaServer: MediaServerConfig{
			Host:           getEnv("MEDIA_HOST", "127.0.0.1"),
			APIPort:        getEnvInt(logger, "MEDIA_API_PORT", 1985),
			HTTPPort:       getEnvInt(logger, "MEDIA_HTTP_PORT", 8080),
			RTMPPort:       getEnvInt(logger, "MEDIA_RTMP_PORT", 1935),
			RTPMuxPort:     getEnvInt(logger, "MEDIA_RTP_MUX_PORT", 9000),
			App:            getEnv("MEDIA_APP", "gb28181"),
			ExtendedCodecs: getEnvBool(logger, "MEDIA_EXTENDED_CODECS", false),
		},
		HTTP: HTTPConfig{
			Port:          getEnvInt(logger, "HTTP_PORT", 8090),
			ReadTimeout:   getEnvDuration(logger, "HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getEnvDuration(logger, "HTTP_WRITE_TIMEOUT", 10*time.Second),
			EnableMetrics: getEnvBool(logger, "HTTP_ENABLE_METRICS", true),
		},
		AMQP: AMQPConfig{
			URL:        getEnv("AMQP_URL", ""),
			QueueName:  getEnv("AMQP_QUEUE_NAME", "gb28181-events"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}

// Validate checks the configuration for values the gateway cannot run with
func (c *Config) Validate() error {
	if c.SIP.Serial == "" {
		return errors.New("SIP_SERIAL must not be empty")
	}
	if c.SIP.Realm == "" {
		return errors.New("SIP_REALM must not be empty")
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return errors.New("SIP_PORT out of range").WithField("port", c.SIP.Port)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP_PORT out of range").WithField("port", c.HTTP.Port)
	}
	if c.MediaServer.Host == "" {
		return errors.New("MEDIA_HOST must not be empty")
	}
	if c.MediaServer.RTPMuxPort <= 0 || c.MediaServer.RTPMuxPort > 65535 {
		return errors.New("MEDIA_RTP_MUX_PORT out of range").WithField("port", c.MediaServer.RTPMuxPort)
	}
	return nil
}

// SetupLogger applies the logging configuration to the given logger
func (c *Config) SetupLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		logger.WithField("level", c.Logging.Level).Warn("Unknown log level, defaulting to info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(logger *logrus.Logger, key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": value}).Warn("Invalid integer in environment, using default")
		return defaultValue
	}
	return parsed
}

func getEnvBool(logger *logrus.Logger, key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": value}).Warn("Invalid boolean in environment, using default")
		return defaultValue
	}
	return parsed
}

func getEnvDuration(logger *logrus.Logger, key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept both plain seconds ("30") and Go duration strings ("30s")
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": value}).Warn("Invalid duration in environment, using default")
		return defaultValue
	}
	return parsed
}
