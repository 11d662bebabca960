package qbind

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the tunables for a Binding. The env struct tag contains
// the environment variable name and the default value if missing, or empty
// (if not ?=), in the same style as github.com/r2northstar/atlas's
// pkg/atlas.Config.
type Config struct {
	// Local address to bind the UDP socket to.
	Addr netip.AddrPort `env:"QBIND_ADDR=[::]:4433"`

	// Pinned remote address for an exclusive (client-style) binding. If
	// unset, the binding is shared and serves any remote.
	Remote netip.AddrPort `env:"QBIND_REMOTE"`

	// STATELESS_OP_EXPIRATION_MS (§6).
	StatelessOpExpiration time.Duration `env:"QBIND_STATELESS_OP_EXPIRATION=3000ms"`

	// MAX_BINDING_STATELESS_OPERATIONS (§6).
	MaxStatelessOperations int `env:"QBIND_MAX_STATELESS_OPERATIONS=16"`

	// MIN_STATELESS_RESET_PACKET_LENGTH (§6).
	MinStatelessResetLen int `env:"QBIND_MIN_STATELESS_RESET_LEN=39"`

	// RECOMMENDED_STATELESS_RESET_PACKET_LENGTH (§6).
	RecommendedStatelessResetLen int `env:"QBIND_RECOMMENDED_STATELESS_RESET_LEN=42"`

	// MIN_INITIAL_CONNECTION_ID_LENGTH (§6).
	MinInitialCIDLength int `env:"QBIND_MIN_INITIAL_CID_LENGTH=8"`

	// SERVER_CHOSEN_CID_LENGTH (§6, build-time in the source; overridable
	// here since this binding isn't compiled per-deployment).
	ServerChosenCIDLength int `env:"QBIND_SERVER_CHOSEN_CID_LENGTH=8"`

	// Percentage (0-100) of total system memory that, once exceeded by
	// aggregate handshake memory, requires Initials to carry a valid Retry
	// token (§4.D retry gate).
	RetryMemoryLimitPercent float64 `env:"QBIND_RETRY_MEMORY_LIMIT_PERCENT=70"`

	// The minimum log level (e.g., trace, debug, info, warn, error).
	LogLevel zerolog.Level `env:"QBIND_LOG_LEVEL=info"`
}

// DefaultConfig returns a Config with every field set to its documented
// default, as if UnmarshalEnv had been called with an empty environment.
func DefaultConfig() Config {
	var c Config
	_ = c.UnmarshalEnv(nil, false)
	return c
}

// UnmarshalEnv parses configuration from environment-variable-style
// "KEY=VALUE" strings (as produced by github.com/hashicorp/go-envparse). If
// incremental is true, fields whose variable is absent from es keep their
// current value rather than being reset to the default.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "QBIND_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, val, _ := strings.Cut(env, "=")
		if v, exists := em[key]; exists {
			val = v
			delete(em, key)
		} else if incremental {
			continue
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case float64:
			if val == "" {
				cvf.SetFloat(0)
			} else if v, err := strconv.ParseFloat(val, 64); err == nil {
				cvf.SetFloat(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		default:
			return fmt.Errorf("unhandled config field type %T", cvf.Interface())
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
