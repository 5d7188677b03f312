package probe

import (
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/sre-norns/wyrd/pkg/manifest"
)

// Well-known labels describing a worker
const (
	LabelOS           = "worker.os"
	LabelArch         = "worker.arch"
	LabelBuildVersion = "worker.version"
	LabelProbeKinds   = "worker.probes"
)

func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := strings.Trim(bi.Main.Version, "()"); v != "" {
			return v
		}
	}

	return "devel"
}

// RuntimeLabels describe the runtime environment of this worker and the probe kinds it supports
func RuntimeLabels(custom manifest.Labels) manifest.Labels {
	kinds := Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}

	return manifest.MergeLabels(
		manifest.Labels{
			LabelArch:         runtime.GOARCH,
			LabelOS:           runtime.GOOS,
			LabelBuildVersion: buildVersion(),
			LabelProbeKinds:   strings.Join(names, "."),
		},
		custom,
	)
}
