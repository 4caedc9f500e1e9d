package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays MESSENGER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("MESSENGER_QUEUE_SYSTEM"); v != "" {
		cfg.QueueSystem = v
	}
	if v := os.Getenv("MESSENGER_DEFAULT_PIPELINE"); v != "" {
		cfg.DefaultPipeline = v
	}
	if v := os.Getenv("MESSENGER_STAMPS_HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StampsHistorySize = n
		}
	}
	if v := os.Getenv("MESSENGER_PIPELINE_ALIASES"); v != "" {
		cfg.PipelineAliases = ParseAliases(v)
	}
	if v := os.Getenv("MESSENGER_SENDERS"); v != "" {
		cfg.SendersMap = ParseSenders(v)
	}
	if v := os.Getenv("MESSENGER_DEFAULT_FORMAT"); v != "" {
		cfg.DefaultFormat = v
	}
	if v := os.Getenv("MESSENGER_RECEIVER_NAME"); v != "" {
		cfg.ReceiverName = v
	}
	if v := os.Getenv("MESSENGER_ALLOW_NO_HANDLERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowNoHandlers = b
		}
	}
	if v := os.Getenv("MESSENGER_ALLOW_NO_SENDERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowNoSenders = b
		}
	}
	if v := os.Getenv("MESSENGER_LOCK_BACKEND"); v != "" {
		cfg.LockBackend = v
	}
	if v := os.Getenv("MESSENGER_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTTL = d
		}
	}
	if v := os.Getenv("MESSENGER_LOCK_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockWait = d
		}
	}
	if v := os.Getenv("MESSENGER_CATALOG_BACKEND"); v != "" {
		cfg.CatalogBackend = v
	}
	if v := os.Getenv("MESSENGER_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("MESSENGER_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MESSENGER_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("MESSENGER_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("MESSENGER_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v, ",")
	}
	if v := os.Getenv("MESSENGER_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.KafkaConsumerGroup = v
	}
	if v := os.Getenv("MESSENGER_RABBITMQ_URL"); v != "" {
		cfg.RabbitMQURL = v
	}
	if v := os.Getenv("MESSENGER_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("MESSENGER_AWS_REGION"); v != "" {
		cfg.AWSRegion = v
	}
	if v := os.Getenv("MESSENGER_AWS_ENDPOINT"); v != "" {
		cfg.AWSEndpoint = v
	}
	if v := os.Getenv("MESSENGER_POISON_QUEUE"); v != "" {
		cfg.PoisonQueue = v
	}
	if v := os.Getenv("MESSENGER_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
			cfg.MetricsEnabled = n > 0
		}
	}
}

// ParseAliases reads "alias=pipeline,alias2=pipeline2". Malformed entries
// are skipped.
func ParseAliases(v string) map[string]string {
	aliases := make(map[string]string)
	for _, pair := range splitList(v, ",") {
		alias, pipeline, ok := strings.Cut(pair, "=")
		alias, pipeline = strings.TrimSpace(alias), strings.TrimSpace(pipeline)
		if !ok || alias == "" || pipeline == "" {
			continue
		}
		aliases[alias] = pipeline
	}
	return aliases
}

// ParseSenders reads "Type=sender|sender2;*=queue". Malformed entries are
// skipped.
func ParseSenders(v string) map[string][]string {
	routes := make(map[string][]string)
	for _, route := range splitList(v, ";") {
		messageType, ids, ok := strings.Cut(route, "=")
		messageType = strings.TrimSpace(messageType)
		if !ok || messageType == "" {
			continue
		}
		if senders := splitList(ids, "|"); len(senders) > 0 {
			routes[messageType] = append(routes[messageType], senders...)
		}
	}
	return routes
}

func splitList(v, sep string) []string {
	var out []string
	for _, p := range strings.Split(v, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
