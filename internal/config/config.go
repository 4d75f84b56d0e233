// Package config loads process configuration from the environment,
// following the teacher's own habit of small os.Getenv/strconv parsing
// in cmd/server/main.go rather than a flags/config framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/zephyrswim/pkg/swim"
)

// Config is everything a running node needs beyond the SWIM engine's own
// option set: identity, bind address, and initial seeds.
type Config struct {
	Swim        swim.Config
	LocalID     string
	LocalAddr   string
	BindAddr    string
	Seeds       []swim.MemberID
	Replication int
}

// FromEnv reads SELF_ID, SELF_ADDR, SWIM_* and REPLICATION_FACTOR, filling
// in swim.DefaultConfig() for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		Swim:        swim.DefaultConfig(),
		LocalID:     os.Getenv("SELF_ID"),
		LocalAddr:   os.Getenv("SELF_ADDR"),
		Replication: 2,
	}
	if cfg.LocalID == "" {
		return Config{}, fmt.Errorf("config: SELF_ID is required")
	}
	if cfg.LocalAddr == "" {
		return Config{}, fmt.Errorf("config: SELF_ADDR is required")
	}

	cfg.BindAddr = cfg.LocalAddr
	if v := os.Getenv("SWIM_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}

	if v := os.Getenv("REPLICATION_FACTOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: REPLICATION_FACTOR: %w", err)
		}
		cfg.Replication = n
	}

	if err := durationEnv("SWIM_PROTOCOL_PERIOD", &cfg.Swim.ProtocolPeriod); err != nil {
		return Config{}, err
	}
	if err := durationEnv("SWIM_PING_TIMEOUT", &cfg.Swim.PingTimeout); err != nil {
		return Config{}, err
	}
	if err := durationEnv("SWIM_DEAD_RETENTION", &cfg.Swim.DeadRetention); err != nil {
		return Config{}, err
	}
	if err := intEnv("SWIM_INDIRECT_PROBE_COUNT", &cfg.Swim.IndirectProbeCount); err != nil {
		return Config{}, err
	}
	if err := intEnv("SWIM_MAX_PAYLOAD_SIZE", &cfg.Swim.MaxPayloadSize); err != nil {
		return Config{}, err
	}
	if err := intEnv("SWIM_EVENT_BUFFER", &cfg.Swim.EventBuffer); err != nil {
		return Config{}, err
	}
	if err := floatEnv("SWIM_SUSPICION_MULTIPLIER", &cfg.Swim.SuspicionMultiplier); err != nil {
		return Config{}, err
	}
	if err := floatEnv("SWIM_BASE_DISSEMINATION_LIMIT", &cfg.Swim.BaseDisseminationLimit); err != nil {
		return Config{}, err
	}

	seeds, err := parseSeeds(os.Getenv("SWIM_SEEDS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Seeds = seeds

	return cfg, nil
}

// parseSeeds parses a comma-separated "id=host:port,..." list, the same
// shape the teacher used for its etcd node registry keys.
func parseSeeds(raw string) ([]swim.MemberID, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	seeds := make([]swim.MemberID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("config: bad SWIM_SEEDS entry %q, want id=host:port", p)
		}
		seeds = append(seeds, swim.MemberID{ID: kv[0], Address: kv[1]})
	}
	return seeds, nil
}

func durationEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func intEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func floatEnv(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}
