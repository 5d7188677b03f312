package http

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/go-kit/log"
	bxconfig "github.com/prometheus/blackbox_exporter/config"
	"github.com/prometheus/blackbox_exporter/prober"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/sre-norns/skuld/pkg/probe"
	"github.com/sre-norns/skuld/pkg/skuld"
)

const Kind = skuld.CheckKind("http")

type Spec struct {
	Target string             `json:"target,omitempty" yaml:"target,omitempty"`
	HTTP   bxconfig.HTTPProbe `json:"http" yaml:"http"`
}

func init() {
	moduleVersion := "devel"
	if bi, ok := debug.ReadBuildInfo(); ok {
		moduleVersion = strings.Trim(bi.Main.Version, "()")
	}

	// Ignore double registration error
	_ = probe.Register(Kind, probe.Registration{
		RunFunc: RunProbe,
		Version: moduleVersion,
	})
}

// ParseSpec decodes a generic check spec, applying blackbox defaults for omitted settings
func ParseSpec(raw map[string]any) (*Spec, error) {
	spec := &Spec{HTTP: bxconfig.DefaultHTTPProbe}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("invalid http check spec: %w", err)
	}

	if spec.Target == "" {
		return nil, probe.ErrNoTarget
	}

	return spec, nil
}

func RunProbe(ctx context.Context, raw map[string]any, registry *prometheus.Registry, logger log.Logger) (probe.Status, error) {
	spec, err := ParseSpec(raw)
	if err != nil {
		return probe.StatusError, err
	}

	if success := prober.ProbeHTTP(ctx, spec.Target, bxconfig.Module{Prober: "http", HTTP: spec.HTTP}, registry, logger); !success {
		return probe.StatusFailed, nil
	}

	return probe.StatusSuccess, nil
}
