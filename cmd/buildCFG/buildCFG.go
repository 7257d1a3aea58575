// Package buildCFG translates the loaded config tree into the typed
// configs each subsystem takes. Missing required keys are fatal here,
// not deep inside the subsystem that needed them.
package buildCFG

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
)

type ServerConfig struct {
	Port      string
	PublicURL string
}

type RabbitConfig struct {
	Url      string
	Exchange string
	Queue    string
}

type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Password string
}

type TokenConfig struct {
	SigningKey string
	Issuer     string
	TTL        time.Duration
}

type SweeperConfig struct {
	TTL      time.Duration
	Interval time.Duration
}

func BuildServerConfig(cfg *config.Config, log *zerolog.Logger) ServerConfig {
	port := cfg.GetString("server.port")
	if port == "" {
		port = "8080"
		log.Warn().Msg("server.port not set, defaulting to 8080")
	}
	return ServerConfig{
		Port:      port,
		PublicURL: cfg.GetString("server.public_url"),
	}
}

func BuildDBConfig(cfg *config.Config, log *zerolog.Logger) (string, []string, *dbpg.Options, error) {
	masterDSN := cfg.GetString("db.master")
	if masterDSN == "" {
		return "", nil, nil, fmt.Errorf("db.master is required")
	}
	slaveDSNs := cfg.GetStringSlice("db.slaves")

	opts := &dbpg.Options{
		MaxOpenConns: cfg.GetInt("db.max_open_conns"),
		MaxIdleConns: cfg.GetInt("db.max_idle_conns"),
	}
	if raw := cfg.GetString("db.conn_max_lifetime"); raw != "" {
		lifetime, err := time.ParseDuration(raw)
		if err != nil {
			return "", nil, nil, fmt.Errorf("parse db.conn_max_lifetime: %w", err)
		}
		opts.ConnMaxLifetime = lifetime
	}

	log.Info().Int("slaves", len(slaveDSNs)).Msg("DB config built")
	return masterDSN, slaveDSNs, opts, nil
}

func BuildRabbitConfig(cfg *config.Config, _ *zerolog.Logger) (RabbitConfig, error) {
	rc := RabbitConfig{
		Url:      cfg.GetString("rabbit.url"),
		Exchange: cfg.GetString("rabbit.exchange"),
		Queue:    cfg.GetString("rabbit.queue"),
	}
	if rc.Url == "" || rc.Exchange == "" || rc.Queue == "" {
		return RabbitConfig{}, fmt.Errorf("rabbit.url, rabbit.exchange and rabbit.queue are required")
	}
	return rc, nil
}

func BuildSMTPConfig(cfg *config.Config, _ *zerolog.Logger) (SMTPConfig, error) {
	sc := SMTPConfig{
		Host:     cfg.GetString("smtp.host"),
		Port:     cfg.GetString("smtp.port"),
		From:     cfg.GetString("smtp.from"),
		Password: cfg.GetString("smtp.password"),
	}
	if sc.Host == "" || sc.Port == "" || sc.From == "" {
		return SMTPConfig{}, fmt.Errorf("smtp.host, smtp.port and smtp.from are required")
	}
	return sc, nil
}

func BuildTokenConfig(cfg *config.Config, log *zerolog.Logger) (TokenConfig, error) {
	tc := TokenConfig{
		SigningKey: cfg.GetString("token.signing_key"),
		Issuer:     cfg.GetString("token.issuer"),
	}
	if tc.SigningKey == "" {
		return TokenConfig{}, fmt.Errorf("token.signing_key is required")
	}
	if tc.Issuer == "" {
		tc.Issuer = "slotbooker"
	}

	ttl, err := time.ParseDuration(cfg.GetString("token.ttl"))
	if err != nil {
		log.Warn().Err(err).Msg("token.ttl missing or invalid, defaulting to 24h")
		ttl = 24 * time.Hour
	}
	tc.TTL = ttl
	return tc, nil
}

func BuildSweeperConfig(cfg *config.Config, log *zerolog.Logger) SweeperConfig {
	sc := SweeperConfig{TTL: 24 * time.Hour, Interval: 10 * time.Minute}

	if ttl, err := time.ParseDuration(cfg.GetString("sweeper.ttl")); err == nil && ttl > 0 {
		sc.TTL = ttl
	} else {
		log.Warn().Msg("sweeper.ttl missing or invalid, defaulting to 24h")
	}
	if interval, err := time.ParseDuration(cfg.GetString("sweeper.interval")); err == nil && interval > 0 {
		sc.Interval = interval
	} else {
		log.Warn().Msg("sweeper.interval missing or invalid, defaulting to 10m")
	}
	return sc
}
