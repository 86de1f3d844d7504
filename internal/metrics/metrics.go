// Package metrics emits operational metrics as single-line JSON records on
// stdout, one record per flush. The records are self-describing (namespace,
// dimensions, named values with units) so they can be scraped by whatever log
// shipper fronts the service without any metrics client or network calls.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
	UnitNone         = "None"
)

// Namespace identifies this service's metric records.
const Namespace = "FrigateAnalyzer"

// Output is where flushed records are written. Overridable in tests.
var Output io.Writer = os.Stdout

type metricValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Recorder accumulates dimensions and metric values for a single flush.
// It is NOT safe for concurrent use; create one per operation.
type Recorder struct {
	dimensions map[string]string
	values     map[string]metricValue
}

// New creates a Recorder for one operation's metrics.
func New() *Recorder {
	return &Recorder{
		dimensions: make(map[string]string),
		values:     make(map[string]metricValue),
	}
}

// Dimension adds a dimension key-value pair, a filterable attribute on every
// metric in the record.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a named metric value with a unit. Use the Unit* constants.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.values[name] = metricValue{Value: value, Unit: unit}
	return r
}

// Count is a convenience for recording a count metric (value = 1).
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Flush serializes the record as a single JSON line. After flushing, the
// Recorder should not be reused.
func (r *Recorder) Flush() {
	if len(r.values) == 0 {
		return
	}

	doc := map[string]interface{}{
		"namespace": Namespace,
		"timestamp": time.Now().UnixMilli(),
		"metrics":   r.values,
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metrics: failed to marshal record: %v\n", err)
		return
	}
	fmt.Fprintln(Output, string(data))
}
