package vqs

import (
	"testing"
	"time"
)

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("VQS_SERVER_URL", "https://app.example.com")
	t.Setenv("VQS_QUEUE_PROVIDER", "redis")
	t.Setenv("VQS_QUEUE_REDIS_ADDR", "localhost:6379")
	t.Setenv("VQS_SCHEDULER_PROVIDER", "redis")
	t.Setenv("VQS_SCHEDULER_EXECUTION_ROLE", "forwarder-role")
	t.Setenv("VQS_RETRY_LONG_DELAY_THRESHOLD", "10m")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.LongDelayThreshold != 10*time.Minute {
		t.Fatalf("unexpected retry config %+v", cfg.Retry)
	}
	if cfg.DeploymentID != DefaultDeploymentID {
		t.Fatalf("unexpected deployment id %q", cfg.DeploymentID)
	}
	if cfg.Queue.Redis.Stream != "vqs:queue" || cfg.Scheduler.KeyPrefix != "vqs:trigger" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Queue.Redis, cfg.Scheduler)
	}
	if cfg.Idempotency.Prefix != "vqs:idem" || cfg.Idempotency.TTL != 24*time.Hour || cfg.Idempotency.Enabled() {
		t.Fatalf("unexpected idempotency config %+v", cfg.Idempotency)
	}
}

func TestLoadConfig_FailsFast(t *testing.T) {
	t.Setenv("VQS_SERVER_URL", "")
	if _, err := LoadConfig(); !HasTextCode(err, ErrCodeInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := Config{ServerURL: "http://localhost:3000"}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config: %v", err)
	}
	bad := map[string]func(c *Config){
		"relative url":        func(c *Config) { c.ServerURL = "/api" },
		"ftp url":             func(c *Config) { c.ServerURL = "ftp://x" },
		"negative attempts":   func(c *Config) { c.Retry.MaxAttempts = -1 },
		"negative threshold":  func(c *Config) { c.Retry.LongDelayThreshold = -time.Second },
		"redis without addr":  func(c *Config) { c.Queue.Provider = MQProviderRedis },
		"rabbit without uri":  func(c *Config) { c.Queue.Provider = MQProviderRabbitMQ },
		"unknown provider":    func(c *Config) { c.Queue.Provider = "kafka" },
		"redis sched no role": func(c *Config) { c.Scheduler.Provider = SchedulerProviderRedis; c.Scheduler.Redis.Addr = "x:6379" },
		"bad timezone":        func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"rabbit no delayed": func(c *Config) {
			c.Queue.Provider = MQProviderRabbitMQ
			c.Queue.RabbitMQ.URI = "amqp://x"
			c.Queue.RabbitMQ.Exchange = "ex"
		},
	}
	for name, mutate := range bad {
		c := base
		mutate(&c)
		if err := c.Validate(); !HasTextCode(err, ErrCodeInvalidConfig) {
			t.Fatalf("%s: expected invalid config, got %v", name, err)
		}
	}

	c := base
	c.Queue.Provider = MQProviderRabbitMQ
	c.Queue.RabbitMQ = RabbitMQConfig{URI: "amqp://x", Exchange: "ex", DelayMode: DelayModeAliyun}
	if err := c.Validate(); err != nil {
		t.Fatalf("aliyun mode needs no delayed exchange: %v", err)
	}
}
