/*
Copyright 2024 Giftfleet Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_MONITORING_PORT = "5003"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"GIFTFLEET_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"GIFTFLEET_REDIS_DNS"`
}

type QueueConfig struct {
	FriendshipQueue   string `json:"friendship_queue" envconfig:"GIFTFLEET_QUEUE_FRIENDSHIP"`
	DispatchQueue     string `json:"dispatch_queue" envconfig:"GIFTFLEET_QUEUE_DISPATCH"`
	VerificationQueue string `json:"verification_queue" envconfig:"GIFTFLEET_QUEUE_VERIFICATION"`
	WebhookQueue      string `json:"webhook_queue" envconfig:"GIFTFLEET_QUEUE_WEBHOOK"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"GIFTFLEET_QUEUE_MONITORING_PORT"`
	MaxRetryAttempts  int    `json:"max_retry_attempts" envconfig:"GIFTFLEET_QUEUE_MAX_RETRY_ATTEMPTS"`
}

// GiftingConfig carries the platform-imposed limits the pipeline has to
// respect. The pipeline reads these values but never mutates them at runtime.
type GiftingConfig struct {
	FriendCooldownHours  int    `json:"friend_cooldown_hours" envconfig:"GIFTFLEET_FRIEND_COOLDOWN_HOURS"`
	DailyGiftQuota       int    `json:"daily_gift_quota" envconfig:"GIFTFLEET_DAILY_GIFT_QUOTA"`
	ErrorThreshold       int    `json:"error_threshold" envconfig:"GIFTFLEET_ERROR_THRESHOLD"`
	ReassignmentLimit    int    `json:"reassignment_limit" envconfig:"GIFTFLEET_REASSIGNMENT_LIMIT"`
	RotationHourUTC      int    `json:"rotation_hour_utc" envconfig:"GIFTFLEET_ROTATION_HOUR_UTC"`
	MaxSuggestions       int    `json:"max_suggestions" envconfig:"GIFTFLEET_MAX_SUGGESTIONS"`
	VerificationPolls    int    `json:"verification_polls" envconfig:"GIFTFLEET_VERIFICATION_POLLS"`
	VerificationDeadline int    `json:"verification_deadline_minutes" envconfig:"GIFTFLEET_VERIFICATION_DEADLINE_MINUTES"`
	OrderExpiryHours     int    `json:"order_expiry_hours" envconfig:"GIFTFLEET_ORDER_EXPIRY_HOURS"`
	EncryptionKey        string `json:"encryption_key" envconfig:"GIFTFLEET_ENCRYPTION_KEY"`
}

// PlatformConfig points at the gifting platform's API gateway.
type PlatformConfig struct {
	BaseUrl        string `json:"base_url" envconfig:"GIFTFLEET_PLATFORM_BASE_URL"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"GIFTFLEET_PLATFORM_TIMEOUT_SECONDS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"GIFTFLEET_PROJECT_NAME"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Queue        QueueConfig      `json:"queue"`
	Gifting      GiftingConfig    `json:"gifting"`
	Platform     PlatformConfig   `json:"platform"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("giftfleet", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called giftfleet.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Giftfleet Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Queue.FriendshipQueue == "" {
		cnf.Queue.FriendshipQueue = "new:friendship"
	}
	if cnf.Queue.DispatchQueue == "" {
		cnf.Queue.DispatchQueue = "new:gift_dispatch"
	}
	if cnf.Queue.VerificationQueue == "" {
		cnf.Queue.VerificationQueue = "new:verification"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
		log.Printf("Warning: Monitoring port not specified in config. Setting default port: %s", DEFAULT_MONITORING_PORT)
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}

	// Platform-imposed limits. The cooldown and quota defaults mirror the
	// gifting platform's published rules; overriding them only ever makes the
	// pipeline more conservative, never the platform more permissive.
	if cnf.Gifting.FriendCooldownHours <= 0 {
		cnf.Gifting.FriendCooldownHours = 48
	}
	if cnf.Gifting.DailyGiftQuota <= 0 {
		cnf.Gifting.DailyGiftQuota = 5
	}
	if cnf.Gifting.ErrorThreshold <= 0 {
		cnf.Gifting.ErrorThreshold = 5
	}
	if cnf.Gifting.ReassignmentLimit <= 0 {
		cnf.Gifting.ReassignmentLimit = 3
	}
	if cnf.Gifting.RotationHourUTC < 0 || cnf.Gifting.RotationHourUTC > 23 {
		cnf.Gifting.RotationHourUTC = 0
	}
	if cnf.Gifting.MaxSuggestions <= 0 {
		cnf.Gifting.MaxSuggestions = 5
	}
	if cnf.Gifting.VerificationPolls <= 0 {
		cnf.Gifting.VerificationPolls = 10
	}
	if cnf.Gifting.VerificationDeadline <= 0 {
		cnf.Gifting.VerificationDeadline = 60
	}
	if cnf.Gifting.OrderExpiryHours <= 0 {
		cnf.Gifting.OrderExpiryHours = 72
	}

	if cnf.Platform.TimeoutSeconds <= 0 {
		cnf.Platform.TimeoutSeconds = 30
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
