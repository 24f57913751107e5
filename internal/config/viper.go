package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load reads the environment defaults and then applies anything set in v,
// which carries the config file and bound command line flags.
func Load(v *viper.Viper) (Config, error) {
	cfg := FromEnv()
	if v != nil {
		applyViper(v, &cfg)
	}
	return cfg, cfg.Validate()
}

func applyViper(v *viper.Viper, c *Config) {
	setString(v, "http_port", &c.HTTPPort)
	if c.HTTPPort != "" && !strings.HasPrefix(c.HTTPPort, ":") {
		c.HTTPPort = ":" + c.HTTPPort
	}
	setString(v, "log_level", &c.LogLevel)

	setString(v, "db.host", &c.DB.Host)
	setString(v, "db.port", &c.DB.Port)
	setString(v, "db.user", &c.DB.User)
	setString(v, "db.pass", &c.DB.Pass)
	setString(v, "db.name", &c.DB.Name)
	if v.IsSet("db.max_conns") {
		c.DB.MaxConns = v.GetInt32("db.max_conns")
	}

	setString(v, "nsq.nsqd_tcp_addr", &c.NSQ.NsqdTCPAddr)
	setString(v, "nsq.nsqd_http_addr", &c.NSQ.NsqdHTTPAddr)
	setString(v, "nsq.lookup_http_addr", &c.NSQ.LookupHTTPAddr)
	setString(v, "nsq.send_topic", &c.NSQ.SendTopic)
	setString(v, "nsq.dlq_topic", &c.NSQ.DLQTopic)
	setString(v, "nsq.worker_channel", &c.NSQ.WorkerChannel)
	setInt(v, "nsq.max_in_flight", &c.NSQ.MaxInFlight)
	setInt(v, "nsq.concurrency", &c.NSQ.Concurrency)
	setInt(v, "nsq.max_delivery_count", &c.NSQ.MaxDeliveryCount)
	if v.IsSet("nsq.message_timeout") {
		c.NSQ.MessageTimeout = v.GetDuration("nsq.message_timeout")
	}
	if v.IsSet("nsq.touch_interval") {
		c.NSQ.TouchInterval = v.GetDuration("nsq.touch_interval")
	}
	if v.IsSet("nsq.stats_interval") {
		c.NSQ.StatsInterval = v.GetDuration("nsq.stats_interval")
	}

	if v.IsSet("redis.enabled") {
		c.Redis.Enabled = v.GetBool("redis.enabled")
	}
	setString(v, "redis.addr", &c.Redis.Addr)
	setString(v, "redis.password", &c.Redis.Password)
	setInt(v, "redis.db", &c.Redis.DB)
	setInt(v, "redis.pool_size", &c.Redis.PoolSize)

	setInt(v, "send.max_attempts", &c.Send.MaxAttempts)
	if v.IsSet("send.retry_delay_seconds") {
		c.Send.RetryDelaySeconds = v.GetFloat64("send.retry_delay_seconds")
	}
	if v.IsSet("send.card_cache_ttl_hours") {
		c.Send.CardCacheTTLHours = v.GetFloat64("send.card_cache_ttl_hours")
	}
	setInt(v, "send.card_cache_size", &c.Send.CardCacheSize)
	if v.IsSet("send.throttle_backend") {
		c.Send.ThrottleBackend = strings.ToLower(v.GetString("send.throttle_backend"))
	}
	if v.IsSet("send.shared_card_cache") {
		c.Send.SharedCardCache = v.GetBool("send.shared_card_cache")
	}

	setString(v, "bot.app_id", &c.Bot.AppID)
	setString(v, "bot.access_token", &c.Bot.AccessToken)
	if v.IsSet("bot.http_timeout") {
		c.Bot.HTTPTimeout = v.GetDuration("bot.http_timeout")
	}

	if v.IsSet("blob.enabled") {
		c.Blob.Enabled = v.GetBool("blob.enabled")
	}
	setString(v, "blob.bucket", &c.Blob.Bucket)
	setString(v, "blob.prefix", &c.Blob.Prefix)

	if v.IsSet("tracing.enabled") {
		c.Tracing.Enabled = v.GetBool("tracing.enabled")
	}
	setString(v, "tracing.otlp_endpoint", &c.Tracing.OTLPEndpoint)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}
