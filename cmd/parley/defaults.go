package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Engine timing defaults mirror protocol.Default*.
	viper.SetDefault("engine.origin", "")
	viper.SetDefault("engine.handshake_timeout", 3*time.Second)
	viper.SetDefault("engine.heartbeat_interval", 15*time.Second)
	viper.SetDefault("engine.heartbeat_initial_delay", 500*time.Millisecond)
	viper.SetDefault("engine.max_missed_heartbeats", 3)
	viper.SetDefault("engine.max_send_failures", 3)
	viper.SetDefault("engine.disconnect_ack_timeout", 1*time.Second)
	viper.SetDefault("engine.request_timeout", 10*time.Second)
	viper.SetDefault("engine.max_envelope_age", time.Duration(0))
	viper.SetDefault("engine.allowed_origins", []string{"*"})
	viper.SetDefault("engine.rules_file", "")

	// Websocket server
	viper.SetDefault("server.bind", "127.0.0.1")
	viper.SetDefault("server.port", 8789)
	viper.SetDefault("server.link_id", "link-1")
	viper.SetDefault("server.peer_origin", "")

	// Dial client
	viper.SetDefault("dial.url", "ws://127.0.0.1:8789/ws")
	viper.SetDefault("dial.link_id", "link-1")
	viper.SetDefault("dial.peer_origin", "")
	viper.SetDefault("dial.redial_delay", 2*time.Second)
	viper.SetDefault("dial.redial_timeout", 15*time.Second)

	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)
}
