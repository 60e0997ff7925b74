package sink

import (
	"context"

	"github.com/rs/zerolog"
)

// Log emits records through a zerolog logger. It is the default sink when no
// durable store is configured.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (s *Log) Create(_ context.Context, r Record) error {
	s.log.Debug().
		Str("session_id", r.SessionID).
		Str("client_address", r.ClientAddress).
		Str("destination_address", r.DestinationAddress).
		Int("destination_port", r.DestinationPort).
		Time("start_time", r.StartTime).
		Msg("session_start")
	return nil
}

func (s *Log) Finalize(_ context.Context, r Record) error {
	ev := s.log.Info()
	if r.Status == StatusError {
		ev = s.log.Warn()
	}
	ev.
		Str("session_id", r.SessionID).
		Str("client_address", r.ClientAddress).
		Str("destination_address", r.DestinationAddress).
		Int("destination_port", r.DestinationPort).
		Time("start_time", r.StartTime).
		Time("end_time", r.EndTime).
		Int64("bytes_sent", r.BytesSent).
		Int64("bytes_received", r.BytesReceived).
		Int64("connection_duration_ms", r.ConnectionDurationMs).
		Float64("throughput_kbps", r.ThroughputKbps).
		Str("status", string(r.Status)).
		Str("error_message", r.ErrorMessage).
		Msg("session_end")
	return nil
}

func (s *Log) Close() error {
	return nil
}
