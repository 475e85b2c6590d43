package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"proxy_machine/internal/shared/types"
)

// LoadIni 在默认配置之上加载 ini 文件，文件中未出现的键保持默认值，
// 随后应用环境变量覆盖。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	ApplyEnv(cfg)
	return nil
}

// Load returns the defaults overlaid with fileName. A missing file is not an
// error: the defaults plus environment overrides are used.
func Load(fileName string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		ApplyEnv(cfg)
		return cfg, nil
	}
	if err := LoadIni(cfg, fileName); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 用环境变量覆盖配置，便于容器部署。
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvInt(&cfg.ValidatorConf.Workers, "PM_WORKERS")
	overrideFromEnvDuration(&cfg.ValidatorConf.Timeout, "PM_TIMEOUT")
	overrideFromEnvString(&cfg.APIConf.Listen, "PM_API_LISTEN")
	overrideFromEnvString(&cfg.RelayConf.Listen, "PM_RELAY_LISTEN")
	overrideFromEnvString(&cfg.LogConf.Level, "PM_LOG_LEVEL")
	overrideFromEnvString(&cfg.CommonConf.DataDir, "PM_DATA_DIR")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvDuration(target *time.Duration, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if d, err := time.ParseDuration(envValue); err == nil {
			*target = d
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue, ok := os.LookupEnv(envName); ok {
		*target = envValue
	}
}
