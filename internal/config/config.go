package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	// ConfigPathEnv points at an optional YAML file holding the same keys as the environment.
	ConfigPathEnv = "CAPSULE_CONFIG_PATH"

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	MediaStorageLocal = "local"
	MediaStorageS3    = "s3"
)

type Config struct {
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string
	LogFormat      string

	HTTPListenAddr     string
	HTTPAllowedOrigins []string
	FrontendBaseURL    string
	AuthRatePerSec     int

	JWTSigningKey        string
	JWTIssuer            string
	AccessTokenTTLMin    int
	RefreshTokenTTLHours int
	OTPTTLMin            int

	SMTPUsername string
	SMTPPassword string
	SMTPHost     string
	SMTPPort     int
	FromEmail    string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	MaxRetries         int
	RetryIntervalSec   int
	DeliveryBatchSize  int
	DeliveryLeaseSec   int
	DeliveryRatePerSec int

	MediaStorage       string
	MediaRoot          string
	MediaEncryptionKey string
	S3URL              string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	S3Bucket           string
	S3Region           string
	S3UsePathStyle     bool

	InactivityDays            int
	InactivitySweepCron       string
	NotificationRetentionDays int
	SeedUsersPath             string

	// Simplified timeout settings (in seconds)
	ConnectionTimeoutSec int
	OperationTimeoutSec  int
}

// LoadConfig resolves every setting from the environment, falling back to the optional
// YAML file named by CAPSULE_CONFIG_PATH. Lookups run concurrently and all problems are
// reported together.
func LoadConfig() (Config, error) {
	lookup, lookupErr := newLookup(os.Getenv(ConfigPathEnv))
	if lookupErr != nil {
		return Config{}, lookupErr
	}

	var configuration Config
	var waitGroup sync.WaitGroup

	taskFunctions := []func() error{
		lookup.optionalString("DATABASE_DRIVER", DatabaseDriverSQLite, &configuration.DatabaseDriver),
		lookup.requiredString("DATABASE_DSN", &configuration.DatabaseDSN),
		lookup.optionalString("LOG_LEVEL", "INFO", &configuration.LogLevel),
		lookup.optionalString("LOG_FORMAT", "text", &configuration.LogFormat),
		lookup.optionalString("HTTP_LISTEN_ADDR", ":8080", &configuration.HTTPListenAddr),
		lookup.optionalString("FRONTEND_BASE_URL", "http://localhost:5173", &configuration.FrontendBaseURL),
		lookup.optionalInt("AUTH_RATE_PER_SEC", 5, &configuration.AuthRatePerSec),
		lookup.requiredString("JWT_SIGNING_KEY", &configuration.JWTSigningKey),
		lookup.optionalString("JWT_ISSUER", "timecapsule", &configuration.JWTIssuer),
		lookup.optionalInt("ACCESS_TOKEN_TTL_MIN", 15, &configuration.AccessTokenTTLMin),
		lookup.optionalInt("REFRESH_TOKEN_TTL_HOURS", 24*7, &configuration.RefreshTokenTTLHours),
		lookup.optionalInt("OTP_TTL_MIN", 10, &configuration.OTPTTLMin),
		lookup.optionalString("SMTP_USERNAME", "", &configuration.SMTPUsername),
		lookup.optionalString("SMTP_PASSWORD", "", &configuration.SMTPPassword),
		lookup.requiredString("SMTP_HOST", &configuration.SMTPHost),
		lookup.requiredInt("SMTP_PORT", &configuration.SMTPPort),
		lookup.requiredString("FROM_EMAIL", &configuration.FromEmail),
		lookup.optionalString("TWILIO_ACCOUNT_SID", "", &configuration.TwilioAccountSID),
		lookup.optionalString("TWILIO_AUTH_TOKEN", "", &configuration.TwilioAuthToken),
		lookup.optionalString("TWILIO_FROM_NUMBER", "", &configuration.TwilioFromNumber),
		lookup.optionalInt("MAX_RETRIES", 5, &configuration.MaxRetries),
		lookup.optionalInt("RETRY_INTERVAL_SEC", 30, &configuration.RetryIntervalSec),
		lookup.optionalInt("DELIVERY_BATCH_SIZE", 50, &configuration.DeliveryBatchSize),
		lookup.optionalInt("DELIVERY_LEASE_SEC", 300, &configuration.DeliveryLeaseSec),
		lookup.optionalInt("DELIVERY_RATE_PER_SEC", 10, &configuration.DeliveryRatePerSec),
		lookup.optionalString("MEDIA_STORAGE", MediaStorageLocal, &configuration.MediaStorage),
		lookup.optionalString("MEDIA_ROOT", "media", &configuration.MediaRoot),
		lookup.optionalString("MEDIA_ENCRYPTION_KEY", "", &configuration.MediaEncryptionKey),
		lookup.optionalString("S3_URL", "", &configuration.S3URL),
		lookup.optionalString("S3_ACCESS_KEY_ID", "", &configuration.S3AccessKeyID),
		lookup.optionalString("S3_SECRET_ACCESS_KEY", "", &configuration.S3SecretAccessKey),
		lookup.optionalString("S3_BUCKET", "", &configuration.S3Bucket),
		lookup.optionalString("S3_REGION", "", &configuration.S3Region),
		lookup.optionalBool("S3_USE_PATH_STYLE", false, &configuration.S3UsePathStyle),
		lookup.optionalInt("INACTIVITY_DAYS", 365, &configuration.InactivityDays),
		lookup.optionalString("INACTIVITY_SWEEP_CRON", "@daily", &configuration.InactivitySweepCron),
		lookup.optionalInt("NOTIFICATION_RETENTION_DAYS", 90, &configuration.NotificationRetentionDays),
		lookup.optionalString("SEED_USERS_PATH", "", &configuration.SeedUsersPath),
		lookup.optionalInt("CONNECTION_TIMEOUT_SEC", 10, &configuration.ConnectionTimeoutSec),
		lookup.optionalInt("OPERATION_TIMEOUT_SEC", 30, &configuration.OperationTimeoutSec),
	}

	errorChannel := make(chan error, len(taskFunctions))
	for _, taskFunction := range taskFunctions {
		waitGroup.Add(1)
		go func(task func() error) {
			defer waitGroup.Done()
			if taskError := task(); taskError != nil {
				errorChannel <- taskError
			}
		}(taskFunction)
	}

	waitGroup.Wait()
	close(errorChannel)

	var errorMessages []string
	for errorValue := range errorChannel {
		errorMessages = append(errorMessages, errorValue.Error())
	}
	errorMessages = append(errorMessages, configuration.validate()...)
	if len(errorMessages) > 0 {
		sort.Strings(errorMessages)
		return Config{}, fmt.Errorf("configuration errors: %s", strings.Join(errorMessages, ", "))
	}

	configuration.HTTPAllowedOrigins = parseCSV(lookup.value("HTTP_ALLOWED_ORIGINS"))
	configuration.FrontendBaseURL = strings.TrimRight(configuration.FrontendBaseURL, "/")
	configuration.DatabaseDriver = strings.ToLower(configuration.DatabaseDriver)
	configuration.MediaStorage = strings.ToLower(configuration.MediaStorage)

	return configuration, nil
}

func (configuration Config) validate() []string {
	var problems []string
	switch strings.ToLower(configuration.DatabaseDriver) {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		problems = append(problems, fmt.Sprintf("unsupported DATABASE_DRIVER %q", configuration.DatabaseDriver))
	}
	switch strings.ToLower(configuration.MediaStorage) {
	case MediaStorageLocal:
	case MediaStorageS3:
		if configuration.S3Bucket == "" {
			problems = append(problems, "S3_BUCKET is required when MEDIA_STORAGE=s3")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported MEDIA_STORAGE %q", configuration.MediaStorage))
	}
	if configuration.MaxRetries < 1 {
		problems = append(problems, "MAX_RETRIES must be at least 1")
	}
	if configuration.RetryIntervalSec < 1 {
		problems = append(problems, "RETRY_INTERVAL_SEC must be at least 1")
	}
	return problems
}

// TwilioConfigured reports whether SMS delivery can be enabled.
func (configuration Config) TwilioConfigured() bool {
	return configuration.TwilioAccountSID != "" && configuration.TwilioAuthToken != "" && configuration.TwilioFromNumber != ""
}

func (configuration Config) AccessTokenTTL() time.Duration {
	return time.Duration(configuration.AccessTokenTTLMin) * time.Minute
}

func (configuration Config) RefreshTokenTTL() time.Duration {
	return time.Duration(configuration.RefreshTokenTTLHours) * time.Hour
}

func (configuration Config) OTPTTL() time.Duration {
	return time.Duration(configuration.OTPTTLMin) * time.Minute
}

func (configuration Config) RetryInterval() time.Duration {
	return time.Duration(configuration.RetryIntervalSec) * time.Second
}

func (configuration Config) DeliveryLease() time.Duration {
	return time.Duration(configuration.DeliveryLeaseSec) * time.Second
}

func (configuration Config) InactivityThreshold() time.Duration {
	return time.Duration(configuration.InactivityDays) * 24 * time.Hour
}

func (configuration Config) NotificationRetention() time.Duration {
	return time.Duration(configuration.NotificationRetentionDays) * 24 * time.Hour
}

func (configuration Config) ConnectionTimeout() time.Duration {
	return time.Duration(configuration.ConnectionTimeoutSec) * time.Second
}

func (configuration Config) OperationTimeout() time.Duration {
	return time.Duration(configuration.OperationTimeoutSec) * time.Second
}

// settingLookup resolves a key from the environment first and the config file second.
type settingLookup struct {
	file *viper.Viper
}

func newLookup(configPath string) (*settingLookup, error) {
	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		return &settingLookup{}, nil
	}
	contents, readErr := os.ReadFile(configPath)
	if readErr != nil {
		return nil, fmt.Errorf("configuration errors: read %s: %w", configPath, readErr)
	}
	fileSource := viper.New()
	fileSource.SetConfigType("yaml")
	if parseErr := fileSource.ReadConfig(bytes.NewBufferString(os.ExpandEnv(string(contents)))); parseErr != nil {
		return nil, fmt.Errorf("configuration errors: parse %s: %w", configPath, parseErr)
	}
	return &settingLookup{file: fileSource}, nil
}

func (lookup *settingLookup) value(environmentKey string) string {
	if environmentValue := strings.TrimSpace(os.Getenv(environmentKey)); environmentValue != "" {
		return environmentValue
	}
	if lookup.file == nil {
		return ""
	}
	return strings.TrimSpace(lookup.file.GetString(strings.ToLower(environmentKey)))
}

func (lookup *settingLookup) requiredString(environmentKey string, destination *string) func() error {
	const missingEnvFormat = "missing environment variable %s"
	return func() error {
		environmentValue := lookup.value(environmentKey)
		if environmentValue == "" {
			return fmt.Errorf(missingEnvFormat, environmentKey)
		}
		*destination = environmentValue
		return nil
	}
}

func (lookup *settingLookup) optionalString(environmentKey string, fallback string, destination *string) func() error {
	return func() error {
		environmentValue := lookup.value(environmentKey)
		if environmentValue == "" {
			environmentValue = fallback
		}
		*destination = environmentValue
		return nil
	}
}

func (lookup *settingLookup) requiredInt(environmentKey string, destination *int) func() error {
	const missingEnvFormat = "missing environment variable %s"
	return func() error {
		if lookup.value(environmentKey) == "" {
			return fmt.Errorf(missingEnvFormat, environmentKey)
		}
		return lookup.optionalInt(environmentKey, 0, destination)()
	}
}

func (lookup *settingLookup) optionalInt(environmentKey string, fallback int, destination *int) func() error {
	const invalidIntFormat = "invalid integer for %s: %v"
	return func() error {
		environmentValue := lookup.value(environmentKey)
		if environmentValue == "" {
			*destination = fallback
			return nil
		}
		parsedInteger, conversionError := strconv.Atoi(environmentValue)
		if conversionError != nil {
			return fmt.Errorf(invalidIntFormat, environmentKey, conversionError)
		}
		*destination = parsedInteger
		return nil
	}
}

func (lookup *settingLookup) optionalBool(environmentKey string, fallback bool, destination *bool) func() error {
	const invalidBoolFormat = "invalid boolean for %s: %q"
	return func() error {
		environmentValue := lookup.value(environmentKey)
		if environmentValue == "" {
			*destination = fallback
			return nil
		}
		switch strings.ToLower(environmentValue) {
		case "1", "true", "yes", "on":
			*destination = true
		case "0", "false", "no", "off":
			*destination = false
		default:
			return fmt.Errorf(invalidBoolFormat, environmentKey, environmentValue)
		}
		return nil
	}
}

func parseCSV(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	rawParts := strings.Split(trimmed, ",")
	var normalized []string
	for _, part := range rawParts {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		normalized = append(normalized, candidate)
	}
	return normalized
}
