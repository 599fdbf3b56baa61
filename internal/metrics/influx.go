package metrics

import (
	"time"

	lineprotocol "github.com/influxdata/line-protocol/v2/lineprotocol"
)

// InfluxEncoder encodes Records as InfluxDB line protocol, following the
// teacher's encoders.InfluxStrategy StartLine/AddTag/AddField/EndLine shape.
type InfluxEncoder struct {
	enc *lineprotocol.Encoder
}

// NewInfluxEncoder builds an encoder with millisecond precision and lax
// field-type coercion, matching the teacher's configuration.
func NewInfluxEncoder() *InfluxEncoder {
	enc := lineprotocol.Encoder{}
	enc.SetPrecision(lineprotocol.Millisecond)
	enc.SetLax(true)
	return &InfluxEncoder{enc: &enc}
}

// EncodeAt appends one line for rec, timestamped at ts.
func (e *InfluxEncoder) EncodeAt(rec Record, ts time.Time) {
	e.enc.StartLine("dispatch_job")
	e.enc.AddTag("backend", rec.Backend)
	e.enc.AddTag("outcome", rec.Outcome)
	e.enc.AddTag("job_id", rec.JobID)

	if v, ok := lineprotocol.NewValue(rec.WallMs); ok {
		e.enc.AddField("wall_ms", v)
	}
	if v, ok := lineprotocol.NewValue(rec.BytesIn); ok {
		e.enc.AddField("bytes_in", v)
	}
	if v, ok := lineprotocol.NewValue(rec.BytesOut); ok {
		e.enc.AddField("bytes_out", v)
	}
	e.enc.EndLine(ts)
}

// EncodeRing drains every record currently in the ring into line protocol.
func (e *InfluxEncoder) EncodeRing(r *Ring, ts time.Time) []byte {
	for _, rec := range r.Snapshot() {
		e.EncodeAt(rec, ts)
	}
	return e.enc.Bytes()
}

// Err reports any error raised during encoding.
func (e *InfluxEncoder) Err() error {
	return e.enc.Err()
}
