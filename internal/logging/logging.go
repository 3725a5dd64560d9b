// Package logging builds the control plane's zerolog logger: console or
// JSON on stdout, optionally shipped to Loki.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"hpwhdash/internal/config"
)

// Service names this program in log events and Loki streams.
const Service = "hpwhdash"

// Setup creates the server logger. Every event carries the service name and
// the work directory the server exposes, so logs of dashboards running from
// different checkouts can be told apart.
func Setup(cfg config.LoggingConfig, root string) (zerolog.Logger, func(), error) {
	return setup(cfg, root, os.Stdout)
}

// Component derives the logger of one part of the server (relay, runner,
// procs).
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func setup(cfg config.LoggingConfig, root string, out io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	stdout := out
	if strings.EqualFold(cfg.Format, "text") {
		stdout = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{stdout}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		lokiWriter, closer, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lokiWriter)
		cleanup = closer
	}

	multi := zerolog.MultiLevelWriter(writers...)
	ctx := zerolog.New(multi).With().Timestamp().Str("service", Service)
	if root != "" {
		ctx = ctx.Str("root", root)
	}
	return ctx.Logger().Level(level), cleanup, nil
}

func newLokiWriter(cfg config.LokiConfig) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}

	writer := &lokiWriter{client: client, labels: labelSet(cfg.Labels)}
	return writer, client.Stop, nil
}

// labelSet is the configured labels over the default app label.
func labelSet(labels map[string]string) model.LabelSet {
	set := model.LabelSet{"app": Service}
	for k, v := range labels {
		set[model.LabelName(k)] = model.LabelValue(v)
	}
	return set
}

// lokiWriter ships info and above; per-request debug events stay local.
type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.InfoLevel {
		return len(p), nil
	}
	return l.Write(p)
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(l.labels, time.Now(), entry)
	return len(p), err
}
