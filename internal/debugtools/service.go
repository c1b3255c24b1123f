// Package debugtools implements the read-mostly debug operations and
// exposes them over MCP.
//
// The operations never write to the device. scan_devices is the only one
// with a radio side effect and the only one that can be refused because of
// connection activity.
package debugtools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/logbuffer"
	"github.com/ble-bridge/backend/internal/models"
	"github.com/ble-bridge/backend/internal/transport"
)

// Options configures a Service.
type Options struct {
	Version     string
	Adapter     string
	ScanTimeout time.Duration // used when scan_devices gets no timeout
}

// Service implements the five debug operations over the shared buffer and
// transport.
type Service struct {
	buf     *logbuffer.Buffer
	tr      *transport.Transport
	clients *Registry
	opts    Options
	log     *logrus.Entry
	started time.Time
	now     func() time.Time
}

func NewService(buf *logbuffer.Buffer, tr *transport.Transport, clients *Registry, opts Options, log *logrus.Entry) *Service {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = transport.DefaultScanTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		buf:     buf,
		tr:      tr,
		clients: clients,
		opts:    opts,
		log:     log,
		started: time.Now(),
		now:     time.Now,
	}
}

// Clients returns the debug-client registry.
func (s *Service) Clients() *Registry { return s.clients }

// Buffer returns the packet log.
func (s *Service) Buffer() *logbuffer.Buffer { return s.buf }

// LogsRequest holds get_logs parameters as the caller sent them.
type LogsRequest struct {
	Since     string `json:"since"`
	Direction string `json:"direction"`
	Limit     int    `json:"limit"`
}

// SearchRequest holds search_packets parameters.
type SearchRequest struct {
	Pattern string `json:"hexPattern"`
	Limit   int    `json:"limit"`
}

// LogsResponse is returned by get_logs and search_packets.
type LogsResponse struct {
	Entries   []models.LogRecord `json:"entries" msgpack:"entries"`
	Truncated bool               `json:"truncated" msgpack:"truncated"`
	Warnings  []string           `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

func newLogsResponse(res logbuffer.Result, warnings []string) LogsResponse {
	out := LogsResponse{
		Entries:   make([]models.LogRecord, len(res.Entries)),
		Truncated: res.Truncated,
		Warnings:  warnings,
	}
	for i, e := range res.Entries {
		out.Entries[i] = e.Record()
	}
	return out
}

func clampLimit(n int, warnings *[]string) int {
	limit := logbuffer.ClampLimit(n)
	if n != 0 && limit != n {
		*warnings = append(*warnings, fmt.Sprintf("limit %d out of range, using %d", n, limit))
	}
	return limit
}

func parseDirection(raw string, warnings *[]string) models.Direction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all", "both", "any":
		return ""
	}
	dir, ok := models.ParseDirection(raw)
	if !ok {
		*warnings = append(*warnings, fmt.Sprintf("direction %q not recognised, returning both directions", raw))
	}
	return dir
}

// GetLogs returns entries selected by req for clientID and advances the
// client's cursor to the newest entry returned. Bad parameters are clamped
// and reported, never fatal.
func (s *Service) GetLogs(clientID string, req LogsRequest) LogsResponse {
	var warnings []string

	since, err := logbuffer.ParseSince(req.Since)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("since %q not understood, returning all retained entries", req.Since))
	}
	if since.Kind == logbuffer.SinceCursor && clientID == "" {
		since = logbuffer.SinceStart()
		warnings = append(warnings, "since=last needs a client id, returning all retained entries")
	}

	res := s.buf.Query(logbuffer.Query{
		Since:     since,
		ClientID:  clientID,
		Direction: parseDirection(req.Direction, &warnings),
		Limit:     clampLimit(req.Limit, &warnings),
	})
	if n := len(res.Entries); n > 0 && clientID != "" {
		s.buf.AdvanceCursor(clientID, res.Entries[n-1].SequenceID)
	}

	s.log.WithFields(logrus.Fields{
		"client":    clientID,
		"since":     since.String(),
		"returned":  len(res.Entries),
		"truncated": res.Truncated,
	}).Debug("get_logs")
	return newLogsResponse(res, warnings)
}

// SearchPackets returns entries whose payload contains the hex pattern.
func (s *Service) SearchPackets(req SearchRequest) LogsResponse {
	var warnings []string
	limit := clampLimit(req.Limit, &warnings)

	if _, ok := logbuffer.NormalizePattern(req.Pattern); !ok {
		warnings = append(warnings, fmt.Sprintf("pattern %q is not a hex string, nothing matched", req.Pattern))
		return newLogsResponse(logbuffer.Result{}, warnings)
	}
	res := s.buf.Search(req.Pattern, limit)
	return newLogsResponse(res, warnings)
}

// ConnectionState returns the transport snapshot. No side effects.
func (s *Service) ConnectionState() models.ConnectionSnapshot {
	return s.tr.Snapshot()
}

// BufferStatus describes log buffer occupancy.
type BufferStatus struct {
	Length         int    `json:"length"`
	Capacity       int    `json:"capacity"`
	OldestSequence uint64 `json:"oldestSequenceId,omitempty"`
	LastSequence   uint64 `json:"lastSequenceId"`
}

// StatusResponse is returned by status.
type StatusResponse struct {
	Status          string                 `json:"status"`
	Version         string                 `json:"version"`
	Adapter         string                 `json:"adapter,omitempty"`
	StartedAt       time.Time              `json:"startedAt"`
	Uptime          string                 `json:"uptime"`
	UptimeSeconds   float64                `json:"uptimeSeconds"`
	Buffer          BufferStatus           `json:"buffer"`
	ActiveClients   int                    `json:"activeClients"`
	ConnectionState models.ConnectionState `json:"connectionState"`
}

// Status reports process health. No side effects beyond expiring idle
// transient clients.
func (s *Service) Status() StatusResponse {
	uptime := s.now().Sub(s.started)
	bs := BufferStatus{
		Length:       s.buf.Len(),
		Capacity:     s.buf.Capacity(),
		LastSequence: s.buf.LastSequence(),
	}
	if oldest := s.buf.Oldest(); oldest != nil {
		bs.OldestSequence = oldest.SequenceID
	}
	return StatusResponse{
		Status:          "ok",
		Version:         s.opts.Version,
		Adapter:         s.opts.Adapter,
		StartedAt:       s.started,
		Uptime:          uptime.Round(time.Second).String(),
		UptimeSeconds:   uptime.Seconds(),
		Buffer:          bs,
		ActiveClients:   s.clients.Count(),
		ConnectionState: s.tr.State(),
	}
}

// ScanResponse is returned by scan_devices.
type ScanResponse struct {
	Devices   []models.DiscoveredDevice `json:"devices"`
	TimeoutMs int64                     `json:"timeoutMs"`
	Warnings  []string                  `json:"warnings,omitempty"`
}

// ScanDevices radios the adapter for timeoutMs (0 selects the default). It
// fails with a ConflictError while a connection is active.
func (s *Service) ScanDevices(ctx context.Context, timeoutMs int) (ScanResponse, error) {
	var warnings []string
	timeout := s.opts.ScanTimeout
	if timeoutMs != 0 {
		requested := time.Duration(timeoutMs) * time.Millisecond
		timeout = transport.ClampScanTimeout(requested)
		if timeout != requested {
			warnings = append(warnings, fmt.Sprintf("timeoutMs %d out of range, using %d", timeoutMs, timeout.Milliseconds()))
		}
	}

	devices, err := s.tr.Scan(ctx, timeout)
	if err != nil {
		return ScanResponse{}, err
	}
	if devices == nil {
		devices = []models.DiscoveredDevice{}
	}
	return ScanResponse{Devices: devices, TimeoutMs: timeout.Milliseconds(), Warnings: warnings}, nil
}
