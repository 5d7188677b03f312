package tcp

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

const Kind = skuld.CheckKind("tcp")

type Spec struct {
	// Address to probe as host:port
	Target string            `json:"target,omitempty" yaml:"target,omitempty"`
	TCP    bxconfig.TCPProbe `json:"tcp" yaml:"tcp"`
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

func ParseSpec(raw map[string]any) (*Spec, error) {
	spec := &Spec{TCP: bxconfig.DefaultTCPProbe}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("invalid tcp check spec: %w", err)
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

	if success := prober.ProbeTCP(ctx, spec.Target, bxconfig.Module{Prober: "tcp", TCP: spec.TCP}, registry, logger); !success {
		return probe.StatusFailed, nil
	}

	return probe.StatusSuccess, nil
}
