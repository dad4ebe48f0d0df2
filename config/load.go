package config

import (
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Viper keys. Environment variables are the upper-cased key with the PULSAR
// prefix, e.g. PULSAR_BIND_IP.
const (
	KeyBindIP              = "bind_ip"
	KeyPort                = "port"
	KeyWorkers             = "workers"
	KeyMaxPendingResponses = "max_pending_responses"
	KeyKeepAliveInterval   = "keep_alive_interval"
	KeyStatusInterval      = "status_interval"
	KeyLogLevel            = "log_level"
	KeyLogDir              = "log_dir"
	KeyStatusDir           = "status_dir"
)

// Load builds a Config from defaults, an optional .env file in the working
// directory, and PULSAR_* environment variables, then validates it.
func Load() (Config, error) {
	// Missing .env is fine; explicit environment still applies.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("PULSAR")
	v.AutomaticEnv()
	return FromViper(v)
}

// SetDefaults seeds v with the framework defaults so every key resolves.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyBindIP, d.BindIP)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyWorkers, d.Common.Workers)
	v.SetDefault(KeyMaxPendingResponses, d.Common.MaxPendingResponses)
	v.SetDefault(KeyKeepAliveInterval, d.Common.KeepAliveInterval)
	v.SetDefault(KeyStatusInterval, d.Common.StatusInterval)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogDir, d.Log.Dir)
	v.SetDefault(KeyStatusDir, d.Log.StatusDir)
}

// FromViper reads and validates a Config out of v. The example binaries
// bind their cobra flags into v before calling this.
func FromViper(v *viper.Viper) (Config, error) {
	c := Config{
		BindIP: v.GetString(KeyBindIP),
		Port:   v.GetInt(KeyPort),
		Common: Common{
			KeepAliveInterval:   v.GetDuration(KeyKeepAliveInterval),
			StatusInterval:      v.GetDuration(KeyStatusInterval),
			MaxPendingResponses: v.GetInt(KeyMaxPendingResponses),
			Workers:             v.GetInt(KeyWorkers),
		},
		Log: Log{
			Level:     v.GetString(KeyLogLevel),
			Dir:       v.GetString(KeyLogDir),
			StatusDir: v.GetString(KeyStatusDir),
		},
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
