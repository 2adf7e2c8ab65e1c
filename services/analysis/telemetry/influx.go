// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxConfig targets the analytics bucket. An empty URL disables the sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink records one point per analyzer run for long-term usage
// analytics. Writes go through the non-blocking write API, so the analysis
// path never waits on Influx; write failures are dropped by the client.
//
// A nil *InfluxSink is a valid no-op sink.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxSink connects the sink, or returns nil when cfg.URL is empty.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	if cfg.URL == "" {
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// RecordAnalyzerRun writes one analyzer-run point.
func (s *InfluxSink) RecordAnalyzerRun(analyzer, status string, duration time.Duration) {
	if s == nil {
		return
	}
	p := influxdb2.NewPoint(
		"analyzer_runs",
		map[string]string{
			"analyzer": analyzer,
			"status":   status,
		},
		map[string]interface{}{
			"duration_seconds": duration.Seconds(),
		},
		time.Now(),
	)
	s.writeAPI.WritePoint(p)
}

// RecordSubmission writes one submission point.
func (s *InfluxSink) RecordSubmission(outcome string, sizeBytes int64) {
	if s == nil {
		return
	}
	p := influxdb2.NewPoint(
		"submissions",
		map[string]string{"outcome": outcome},
		map[string]interface{}{"size_bytes": sizeBytes},
		time.Now(),
	)
	s.writeAPI.WritePoint(p)
}

// Close flushes buffered points and releases the connection.
func (s *InfluxSink) Close() {
	if s == nil {
		return
	}
	s.writeAPI.Flush()
	s.client.Close()
}
