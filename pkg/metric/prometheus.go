// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// prometheusNamespace prefixes every exported metric name.
const prometheusNamespace = "regionmm"

// PrometheusName converts a metric name such as "/mm/faults" into a valid
// Prometheus metric name such as "regionmm_mm_faults".
func PrometheusName(name string) string {
	var b strings.Builder
	b.WriteString(prometheusNamespace)
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			continue
		}
		b.WriteByte('_')
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

// Families converts the current metric values into Prometheus metric
// families, one per registered metric.
func Families() []*dto.MetricFamily {
	var (
		families []*dto.MetricFamily
		cur      *dto.MetricFamily
	)
	for _, s := range Snapshot() {
		name := PrometheusName(s.Name)
		if cur == nil || cur.GetName() != name {
			cur = &dto.MetricFamily{
				Name: proto.String(name),
				Help: proto.String(s.Description),
				Type: dto.MetricType_COUNTER.Enum(),
			}
			families = append(families, cur)
		}
		m := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(s.Value))},
		}
		for i, fieldName := range s.FieldNames {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(fieldName),
				Value: proto.String(s.FieldValues[i]),
			})
		}
		cur.Metric = append(cur.Metric, m)
	}
	return families
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, f := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return err
		}
	}
	return nil
}

// Gatherer returns a prometheus.Gatherer yielding the current value of every
// registered metric.
func Gatherer() prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		return Families(), nil
	})
}

// Handler serves every registered metric over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer(), promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
