package logging

import (
	"bytes"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	redactedMark = "[REDACTED]"
	// Shorter values would mask ordinary words.
	minSecretLen = 6
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	// Output is stdout or stderr.
	Output string `mapstructure:"output"`
	// Fields are attached to every record, e.g. the deployment environment.
	Fields map[string]string `mapstructure:"fields"`
	// Sampling thins debug and info records emitted every cycle by every pair.
	Sampling SamplingConfig `mapstructure:"sampling"`
}

// SamplingConfig keeps at most Burst records per Period for each of the
// debug and info levels. A zero Burst disables sampling.
type SamplingConfig struct {
	Burst  uint32        `mapstructure:"burst"`
	Period time.Duration `mapstructure:"period"`
}

// NewLogger constructs a zerolog logger from config. Every occurrence of a
// secret (operator keys, DSNs, bot tokens) is masked before it reaches the
// output.
func NewLogger(cfg Config, secrets ...string) zerolog.Logger {
	return newLogger(cfg, outputStream(cfg.Output), secrets...)
}

func newLogger(cfg Config, out io.Writer, secrets ...string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	out = newRedactor(out, secrets)
	logger := zerolog.New(logWriter(cfg, out)).Level(level)
	if sampler := newSampler(cfg.Sampling); sampler != nil {
		logger = logger.Sample(sampler)
	}

	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}
	for k, v := range cfg.Fields {
		builder = builder.Str(k, v)
	}
	return builder.Logger()
}

func newSampler(cfg SamplingConfig) zerolog.Sampler {
	if cfg.Burst == 0 {
		return nil
	}
	period := cfg.Period
	if period <= 0 {
		period = time.Minute
	}
	return zerolog.LevelSampler{
		DebugSampler: &zerolog.BurstSampler{Burst: cfg.Burst, Period: period},
		InfoSampler:  &zerolog.BurstSampler{Burst: cfg.Burst, Period: period},
	}
}

func outputStream(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}

// redactor masks secrets in each formatted record.
type redactor struct {
	out     io.Writer
	secrets [][]byte
}

func newRedactor(out io.Writer, secrets []string) io.Writer {
	seen := make(map[string]struct{}, len(secrets))
	var keep [][]byte
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) < minSecretLen {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		keep = append(keep, []byte(s))
	}
	if len(keep) == 0 {
		return out
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(keep, func(i, j int) bool { return len(keep[i]) > len(keep[j]) })
	return &redactor{out: out, secrets: keep}
}

func (r *redactor) Write(p []byte) (int, error) {
	masked := p
	for _, s := range r.secrets {
		if bytes.Contains(masked, s) {
			masked = bytes.ReplaceAll(masked, s, []byte(redactedMark))
		}
	}
	if _, err := r.out.Write(masked); err != nil {
		return 0, err
	}
	return len(p), nil
}
