// Package config resolves JumboMem's JM_* environment variables into a
// typed Config, with an optional jumbomem.toml overlay supplying defaults
// that the environment still overrides. The precedence chain — explicit
// struct field, then environment variable, then TOML file, then built-in
// default — mirrors the teacher's internal/config dotfile/env/flag
// resolution chain; the getenv parsing helpers are grounded on
// original_source/miscfuncs.c's jm_getenv_positive_int family.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/jumbomem/jumbomem-go/replace"
)

// Prefetch mirrors JM_PREFETCH.
type Prefetch int

const (
	PrefetchNone Prefetch = iota
	PrefetchNext
	PrefetchDelta
)

func parsePrefetch(s string) (Prefetch, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return PrefetchNone, nil
	case "next":
		return PrefetchNext, nil
	case "delta":
		return PrefetchDelta, nil
	default:
		return PrefetchNone, fmt.Errorf("config: unrecognized JM_PREFETCH value %q", s)
	}
}

// PolicyName names the replacement policy to install, matching the original's
// compile-time choice but made runtime-selectable here.
type PolicyName string

const (
	PolicyFIFO   PolicyName = "fifo"
	PolicyRandom PolicyName = "random"
	PolicyNRE    PolicyName = "nre"
	PolicyNRU    PolicyName = "nru"
)

// Config is the fully-resolved set of tunables, one field per JM_*
// environment variable plus the non-env-driven Policy/Distribution choice.
type Config struct {
	Debug          int    // JM_DEBUG
	PageSize       int64  // JM_PAGESIZE, bytes; 0 means auto
	Prefetch       Prefetch
	AsyncEvict     bool   // JM_ASYNCEVICT
	ExtraMemcpy    bool   // JM_MEMCPY
	SlaveMem       int64  // JM_SLAVEMEM, bytes per peer; 0 means auto
	MasterMem      int64  // JM_MASTERMEM, bytes; 0 means auto
	LocalPages     string // JM_LOCAL_PAGES, raw (absolute count or "N%"); "" means auto
	ReduceMem      bool   // JM_REDUCEMEM
	MLock          bool   // JM_MLOCK
	ReserveMem     int64  // JM_RESERVEMEM, bytes
	BaseAddr       string // JM_BASEADDR, raw ("+delta", "-delta", or absolute hex/dec)
	NREEntries     int    // JM_NRE_ENTRIES
	NRERetries     int    // JM_NRE_RETRIES
	NRUIntervalMS  int    // JM_NRU_INTERVAL
	NRURW          bool   // JM_NRU_RW
	HeartbeatMS    int    // JM_HEARTBEAT, 0 disables
	ExpectedRank   int    // JM_EXPECTED_RANK, -1 means unset

	Policy       PolicyName
	FreezeTimeoutMS int
}

// Default returns the built-in defaults, matching the original's compiled-in
// fallbacks where one exists.
func Default() Config {
	return Config{
		Debug:           0,
		Prefetch:        PrefetchNone,
		AsyncEvict:      false,
		ExtraMemcpy:     false,
		ReduceMem:       false,
		MLock:           false,
		NREEntries:      replace.DefaultNREQueueLength,
		NRERetries:      replace.DefaultNRERetries,
		NRUIntervalMS:   int(replace.DefaultNRUInterval.Milliseconds()),
		NRURW:           false,
		HeartbeatMS:     0,
		ExpectedRank:    -1,
		Policy:          PolicyNRU,
		FreezeTimeoutMS: 1000,
	}
}

// Load resolves a Config starting from Default, overlaying tomlPath (if
// non-empty and present) and then the process environment, matching the
// precedence the teacher documents in internal/config/resolve.go.
func Load(tomlPath string) (Config, error) {
	cfg := Default()
	if tomlPath != "" {
		if data, err := os.ReadFile(tomlPath); err == nil {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", tomlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: reading %s: %w", tomlPath, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := getenvInt("JM_DEBUG"); ok {
		cfg.Debug = v
	}
	if v, ok := getenvPositiveInt64("JM_PAGESIZE"); ok {
		cfg.PageSize = v
	}
	if v, ok := os.LookupEnv("JM_PREFETCH"); ok {
		p, err := parsePrefetch(v)
		if err != nil {
			return err
		}
		cfg.Prefetch = p
	}
	if v, ok := getenvBool("JM_ASYNCEVICT"); ok {
		cfg.AsyncEvict = v
	}
	if v, ok := getenvBool("JM_MEMCPY"); ok {
		cfg.ExtraMemcpy = v
	}
	if v, ok := getenvPositiveInt64("JM_SLAVEMEM"); ok {
		cfg.SlaveMem = v
	}
	if v, ok := getenvPositiveInt64("JM_MASTERMEM"); ok {
		cfg.MasterMem = v
	}
	if v, ok := os.LookupEnv("JM_LOCAL_PAGES"); ok {
		cfg.LocalPages = v
	}
	if v, ok := getenvBool("JM_REDUCEMEM"); ok {
		cfg.ReduceMem = v
	}
	if v, ok := getenvBool("JM_MLOCK"); ok {
		cfg.MLock = v
	}
	if v, ok := getenvPositiveInt64("JM_RESERVEMEM"); ok {
		cfg.ReserveMem = v
	}
	if v, ok := os.LookupEnv("JM_BASEADDR"); ok {
		cfg.BaseAddr = v
	}
	if v, ok := getenvInt("JM_NRE_ENTRIES"); ok {
		cfg.NREEntries = v
	}
	if v, ok := getenvInt("JM_NRE_RETRIES"); ok {
		cfg.NRERetries = v
	}
	if v, ok := getenvInt("JM_NRU_INTERVAL"); ok {
		cfg.NRUIntervalMS = v
	}
	if v, ok := getenvBool("JM_NRU_RW"); ok {
		cfg.NRURW = v
	}
	if v, ok := getenvInt("JM_HEARTBEAT"); ok {
		cfg.HeartbeatMS = v
	}
	if v, ok := getenvInt("JM_EXPECTED_RANK"); ok {
		cfg.ExpectedRank = v
	}
	return nil
}

// getenvInt mirrors jm_getenv_int: any signed integer, or ok=false if unset
// or unparseable (unparseable values are treated as unset, matching the
// original's lenient fallback-to-default behavior).
func getenvInt(name string) (int, bool) {
	v, set := os.LookupEnv(name)
	if !set {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// getenvPositiveInt64 mirrors jm_getenv_positive_int: accepts a bare
// byte count or a size suffix (K/M/G), matching the original's
// format_power_of_2-adjacent parsing.
func getenvPositiveInt64(name string) (int64, bool) {
	v, set := os.LookupEnv(name)
	if !set {
		return 0, false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	suffix := v[len(v)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1 << 20
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1 << 30
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}

// getenvBool mirrors jm_getenv_boolean: "1"/"true"/"yes"/"on" are true, anything
// else present is false, unset is ok=false.
func getenvBool(name string) (bool, bool) {
	v, set := os.LookupEnv(name)
	if !set {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	default:
		return false, true
	}
}
