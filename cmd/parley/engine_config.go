package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/WebDev-Guy/parley/protocol"
)

// engineOptionsFromViper assembles engine options from the engine.* config
// keys. The origin argument wins over engine.origin when non-empty.
func engineOptionsFromViper(origin string, logger *slog.Logger) (protocol.Options, error) {
	if strings.TrimSpace(origin) == "" {
		origin = viper.GetString("engine.origin")
	}

	opts := protocol.Options{
		Origin:                origin,
		HandshakeTimeout:      viper.GetDuration("engine.handshake_timeout"),
		HeartbeatInterval:     viper.GetDuration("engine.heartbeat_interval"),
		HeartbeatInitialDelay: viper.GetDuration("engine.heartbeat_initial_delay"),
		MaxMissedHeartbeats:   viper.GetInt("engine.max_missed_heartbeats"),
		MaxSendFailures:       viper.GetInt("engine.max_send_failures"),
		DisconnectAckTimeout:  viper.GetDuration("engine.disconnect_ack_timeout"),
		RequestTimeout:        viper.GetDuration("engine.request_timeout"),
		MaxEnvelopeAge:        viper.GetDuration("engine.max_envelope_age"),
		Logger:                logger,
	}

	if origins := viper.GetStringSlice("engine.allowed_origins"); len(origins) > 0 {
		opts.Gate = protocol.NewAllowlistGate(origins...)
	}

	if rulesFile := strings.TrimSpace(viper.GetString("engine.rules_file")); rulesFile != "" {
		validator := protocol.NewRuleValidator()
		if err := validator.LoadRulesFile(rulesFile); err != nil {
			return protocol.Options{}, err
		}
		opts.Validator = validator
	}

	return opts, nil
}
