package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ospray/ospray-server/internal/api/http"
	"github.com/ospray/ospray-server/internal/auth"
	"github.com/ospray/ospray-server/internal/store"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Database store.Config
	Auth     auth.Config
	CA       CAConfig      `mapstructure:"ca"`
	Bundles  BundlesConfig `mapstructure:"bundles"`
	Sweeps   SweepsConfig  `mapstructure:"sweeps"`
}

type CAConfig struct {
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
	CertValidity time.Duration `mapstructure:"cert_validity"`
}

type BundlesConfig struct {
	BuilderImage  string `mapstructure:"builder_image"`
	OutputDir     string `mapstructure:"output_dir"`
	PackageDir    string `mapstructure:"package_dir"`
	ControllerURL string `mapstructure:"controller_url"`
}

// SweepsConfig sets the cadence of the background maintenance loops.
// Zero values fall back to the defaults in main.
type SweepsConfig struct {
	AssignInterval     time.Duration `mapstructure:"assign_interval"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	TimeoutInterval    time.Duration `mapstructure:"timeout_interval"`
	ExpireInterval     time.Duration `mapstructure:"expire_interval"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatThreshold time.Duration `mapstructure:"heartbeat_threshold"`
	AgentInterval      time.Duration `mapstructure:"agent_interval"`
	AgentThreshold     time.Duration `mapstructure:"agent_threshold"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/ospray-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("auth.secret", "AUTH_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
