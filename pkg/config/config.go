package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Fraud      FraudConfig      `mapstructure:"FRAUD"`
	Payout     PayoutConfig     `mapstructure:"PAYOUT"`
	Treasury   TreasuryConfig   `mapstructure:"TREASURY"`
	Settlement SettlementConfig `mapstructure:"SETTLEMENT"`
}

// FraudConfig carries rule thresholds. The shipped values are defaults, not
// contractual constants; operators tune them per deployment.
type FraudConfig struct {
	DuplicateWindow       time.Duration `mapstructure:"DUPLICATE_WINDOW"`
	DuplicateTolerancePct float64       `mapstructure:"DUPLICATE_TOLERANCE_PCT"`
	WeightMismatchPct     float64       `mapstructure:"WEIGHT_MISMATCH_PCT"`
	VelocityLimit         int           `mapstructure:"VELOCITY_LIMIT"`
	VelocityWindow        time.Duration `mapstructure:"VELOCITY_WINDOW"`
	GPSRadiusKm           float64       `mapstructure:"GPS_RADIUS_KM"`
	RuleCacheTTL          time.Duration `mapstructure:"RULE_CACHE_TTL"`
}

// PayoutConfig holds the rate table in minor units per kilogram.
type PayoutConfig struct {
	Rates                  map[string]int64 `mapstructure:"RATES"`
	HandlingFeePerKg       int64            `mapstructure:"HANDLING_FEE_PER_KG"`
	VolumeBonusThresholdKg int64            `mapstructure:"VOLUME_BONUS_THRESHOLD_KG"`
	VolumeBonusPct         int64            `mapstructure:"VOLUME_BONUS_PCT"`
}

type TreasuryConfig struct {
	AccountID           string        `mapstructure:"ACCOUNT_ID"`
	MaterializeInterval time.Duration `mapstructure:"MATERIALIZE_INTERVAL"`
}

type SettlementConfig struct {
	CloseReminderInterval time.Duration `mapstructure:"CLOSE_REMINDER_INTERVAL"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	setDefaults(config)

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

// Default returns a config populated with the shipped defaults only. Tests use
// it instead of reading a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "trashure-engine")

	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)

	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")

	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 30*time.Second)

	v.SetDefault("FRAUD.DUPLICATE_WINDOW", 5*time.Minute)
	v.SetDefault("FRAUD.DUPLICATE_TOLERANCE_PCT", 1.0)
	v.SetDefault("FRAUD.WEIGHT_MISMATCH_PCT", 15.0)
	v.SetDefault("FRAUD.VELOCITY_LIMIT", 10)
	v.SetDefault("FRAUD.VELOCITY_WINDOW", time.Hour)
	v.SetDefault("FRAUD.GPS_RADIUS_KM", 25.0)
	v.SetDefault("FRAUD.RULE_CACHE_TTL", 5*time.Minute)

	v.SetDefault("PAYOUT.RATES", map[string]int64{
		"plastic": 80,
		"metal":   120,
		"organic": 20,
		"paper":   35,
		"glass":   25,
		"ewaste":  200,
	})
	v.SetDefault("PAYOUT.HANDLING_FEE_PER_KG", int64(15))
	v.SetDefault("PAYOUT.VOLUME_BONUS_THRESHOLD_KG", int64(1000))
	v.SetDefault("PAYOUT.VOLUME_BONUS_PCT", int64(5))

	v.SetDefault("TREASURY.ACCOUNT_ID", "treasury")
	v.SetDefault("TREASURY.MATERIALIZE_INTERVAL", time.Minute)

	v.SetDefault("SETTLEMENT.CLOSE_REMINDER_INTERVAL", 24*time.Hour)
}
