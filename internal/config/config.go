// Package config parses the transcode command-line surface: a handful
// of global flags plus a repeated per-stream block (-p begins one,
// -c/-x/-g/-o attach to whichever block is currently open), followed by
// a source and a sink URL. Grounded on cmd/rtmp-server/flags.go's
// accumulate-into-a-struct shape, generalized from single repeated
// flags to repeated grouped blocks since the standard flag package has
// no notion of "this flag belongs to whichever -p came before it".
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// StreamSpec is one -p block: a stream id plus whatever -c/-x/-g/-o
// flags followed it before the next -p (or the end of the flag list).
type StreamSpec struct {
	ID      uint64
	Codec   string
	Accel   string
	Filters string
	Options map[string]string
}

// Config is the fully parsed transcode invocation.
type Config struct {
	Verbose  bool // -d; repeating it has no further effect
	FileMode bool // -F
	Format   string
	MIME     string
	Streams  []StreamSpec
	Input    string
	Output   string
}

// Parse parses args (as in os.Args[1:]) into a Config. It returns an
// error describing the first malformed or out-of-place flag, or a
// missing source/sink pair.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	var cur *StreamSpec

	i := 0
	next := func(flag string) (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("flag -%s requires a value", flag)
		}
		return args[i], nil
	}

	for ; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			break
		}
		flag := strings.TrimPrefix(arg, "-")
		switch flag {
		case "d":
			cfg.Verbose = true
		case "F":
			cfg.FileMode = true
		case "f":
			v, err := next(flag)
			if err != nil {
				return nil, err
			}
			cfg.Format = v
		case "m":
			v, err := next(flag)
			if err != nil {
				return nil, err
			}
			cfg.MIME = v
		case "p":
			v, err := next(flag)
			if err != nil {
				return nil, err
			}
			id, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid -p stream id %q: %w", v, err)
			}
			cfg.Streams = append(cfg.Streams, StreamSpec{ID: id, Options: make(map[string]string)})
			cur = &cfg.Streams[len(cfg.Streams)-1]
		case "c":
			v, err := next(flag)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("-c %q given before any -p stream id", v)
			}
			cur.Codec = v
		case "x":
			v, err := next(flag)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("-x %q given before any -p stream id", v)
			}
			cur.Accel = v
		case "g":
			v, err := next(flag)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("-g %q given before any -p stream id", v)
			}
			cur.Filters = v
		case "o":
			v, err := next(flag)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("-o %q given before any -p stream id", v)
			}
			key, val, ok := strings.Cut(v, "=")
			if !ok {
				return nil, fmt.Errorf("invalid -o option %q, expected key=value", v)
			}
			cur.Options[key] = val
		default:
			return nil, fmt.Errorf("unrecognized flag -%s", flag)
		}
	}

	rest := args[i:]
	if len(rest) != 2 {
		return nil, fmt.Errorf("expected a source and a sink URL, got %d positional argument(s)", len(rest))
	}
	cfg.Input, cfg.Output = rest[0], rest[1]

	return cfg, nil
}
