package bonsai

import (
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig builds a Config from a file and/or environment variables using
// github.com/spf13/viper, for library callers who want engine tuning knobs
// externally configurable instead of hard-coding DefaultConfig overrides —
// the same mechanism cmd/bonsaictl's root command uses for its own flags,
// generalized here so embedding callers don't have to reimplement it.
// configPath may be empty, in which case only environment variables
// (prefixed envPrefix, or "BONSAI" if envPrefix is empty) and the defaults
// apply. Recognized keys: page_size_bytes, max_bucket_size_bytes,
// free_space_reuse_trigger.
func LoadConfig(configPath, envPrefix string) (Config, error) {
	v := viper.New()
	v.SetDefault("page_size_bytes", DefaultPageSizeBytes)
	v.SetDefault("max_bucket_size_bytes", DefaultMaxBucketSizeBytes)
	v.SetDefault("free_space_reuse_trigger", DefaultFreeSpaceReuseTrigger)

	if envPrefix == "" {
		envPrefix = "BONSAI"
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, usageErr("LoadConfig", "reading config file: "+err.Error())
		}
	}

	cfg := Config{
		PageSizeBytes:         v.GetInt64("page_size_bytes"),
		MaxBucketSizeBytes:    v.GetInt("max_bucket_size_bytes"),
		FreeSpaceReuseTrigger: v.GetFloat64("free_space_reuse_trigger"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
