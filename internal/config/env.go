package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Parse failures fall back to the default and are reported here, since the
// logger is built from the config itself.
var parseLog = zap.NewExample()

func getEnv(key string, defaultValue interface{}) interface{} {
	value, exists := os.LookupEnv(EnvPrefix + key)
	if !exists {
		return defaultValue
	}

	switch defaultValue.(type) {
	case string:
		return value
	case int:
		intValue, err := strconv.Atoi(value)
		if err != nil {
			parseLog.Warn("invalid env value, using default", zap.String("key", EnvPrefix+key), zap.Error(err))
			return defaultValue
		}
		return intValue
	case bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			parseLog.Warn("invalid env value, using default", zap.String("key", EnvPrefix+key), zap.Error(err))
			return defaultValue
		}
		return boolValue
	case time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			parseLog.Warn("invalid env value, using default", zap.String("key", EnvPrefix+key), zap.Error(err))
			return defaultValue
		}
		return d
	default:
		return defaultValue
	}
}

func GetEnvString(key, defaultValue string) string {
	return getEnv(key, defaultValue).(string)
}

func GetEnvInt(key string, defaultValue int) int {
	return getEnv(key, defaultValue).(int)
}

func GetEnvBool(key string, defaultValue bool) bool {
	return getEnv(key, defaultValue).(bool)
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return getEnv(key, defaultValue).(time.Duration)
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	raw := GetEnvString(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
