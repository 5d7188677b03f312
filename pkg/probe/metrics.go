package probe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	dto "github.com/prometheus/client_model/go"
)

// CheckRunData is the metrics a probe produced, as published with check results
type CheckRunData struct {
	// Values of all gauge and counter samples, keyed by metric name with labels
	Samples map[string]float64 `json:"samples"`

	// Text exposition of all metrics
	Format     string `json:"format"`
	Exposition string `json:"exposition"`
}

func sampleKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}

	pairs := make([]string, 0, len(labels))
	for _, lp := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
	}
	sort.Strings(pairs)

	return name + "{" + strings.Join(pairs, ",") + "}"
}

func collectSamples(mfs []*dto.MetricFamily) map[string]float64 {
	samples := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := sampleKey(mf.GetName(), m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_GAUGE:
				samples[key] = m.GetGauge().GetValue()
			case dto.MetricType_COUNTER:
				samples[key] = m.GetCounter().GetValue()
			case dto.MetricType_UNTYPED:
				samples[key] = m.GetUntyped().GetValue()
			}
		}
	}

	return samples
}

// EncodeCheckRunData gathers all metrics of the registry into JSON encoded CheckRunData
func EncodeCheckRunData(registry *prometheus.Registry) ([]byte, error) {
	gatherer := prometheus.ToTransactionalGatherer(registry)
	mfs, done, err := gatherer.Gather()
	if err != nil {
		return nil, err
	}
	defer done()

	format := expfmt.NewFormat(expfmt.TypeTextPlain)

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode metrics family %q: %w", mf.GetName(), err)
		}
	}

	return json.Marshal(CheckRunData{
		Samples:    collectSamples(mfs),
		Format:     string(format),
		Exposition: buf.String(),
	})
}
