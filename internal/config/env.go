package config

import (
	"strings"

	"github.com/spf13/viper"
)

// envKeys are the settings that can be overridden with AMZA_<SECTION>_<KEY>.
var envKeys = []string{
	"node.member",
	"node.host",
	"node.port",
	"server.port",
	"storage.data_dir",
	"storage.number_of_stripes",
	"replication.take_from_factor",
	"replication.long_poll_timeout",
	"gossip.enabled",
	"gossip.bind_port",
	"gossip.seed_nodes",
	"metrics.enabled",
	"metrics.port",
	"log.level",
	"log.format",
}

func applyEnvironmentOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("AMZA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if v.IsSet("node.member") {
		cfg.Node.Member = v.GetString("node.member")
	}
	if v.IsSet("node.host") {
		cfg.Node.Host = v.GetString("node.host")
	}
	if v.IsSet("node.port") {
		cfg.Node.Port = v.GetInt("node.port")
	}
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("storage.data_dir") {
		cfg.Storage.DataDir = v.GetString("storage.data_dir")
	}
	if v.IsSet("storage.number_of_stripes") {
		cfg.Storage.NumberOfStripes = v.GetInt("storage.number_of_stripes")
	}
	if v.IsSet("replication.take_from_factor") {
		cfg.Replication.TakeFromFactor = v.GetInt("replication.take_from_factor")
	}
	if v.IsSet("replication.long_poll_timeout") {
		cfg.Replication.LongPollTimeout = v.GetDuration("replication.long_poll_timeout")
	}
	if v.IsSet("gossip.enabled") {
		cfg.Gossip.Enabled = v.GetBool("gossip.enabled")
	}
	if v.IsSet("gossip.bind_port") {
		cfg.Gossip.BindPort = v.GetInt("gossip.bind_port")
	}
	if v.IsSet("gossip.seed_nodes") {
		cfg.Gossip.SeedNodes = strings.Split(v.GetString("gossip.seed_nodes"), ",")
	}
	if v.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	}
	if v.IsSet("metrics.port") {
		cfg.Metrics.Port = v.GetInt("metrics.port")
	}
	if v.IsSet("log.level") {
		cfg.Logging.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		cfg.Logging.Format = v.GetString("log.format")
	}
}
