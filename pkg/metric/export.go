// Copyright 2026 The gVisor Authors.
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

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// families converts the registered metrics to Prometheus metric families.
func families() []*dto.MetricFamily {
	var mfs []*dto.MetricFamily
	for _, m := range all() {
		mf := &dto.MetricFamily{
			Name: proto.String(m.name),
			Help: proto.String(m.description),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		for key := range m.fields {
			values := m.fieldMapper.keyToMultiField(key)
			var labels []*dto.LabelPair
			for i, v := range values {
				labels = append(labels, &dto.LabelPair{
					Name:  proto.String(m.fieldMapper.fields[i].name),
					Value: proto.String(v),
				})
			}
			mf.Metric = append(mf.Metric, &dto.Metric{
				Label:   labels,
				Counter: &dto.Counter{Value: proto.Float64(float64(m.fields[key].Load()))},
			})
		}
		mfs = append(mfs, mf)
	}
	return mfs
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	for _, mf := range families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
