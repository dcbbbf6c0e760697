package feed

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

// NMEASource reads NMEA 0183 sentences from a locally attached GPS receiver
// and reports them as gps_update events for one configured IMEI.
// Works with u-blox NEO-M8N and any standard NMEA GPS.
type NMEASource struct {
	name     string
	portPath string
	baudRate int
	imei     string

	port serial.Port
}

func NewNMEA(cfg SourceConfig) *NMEASource {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEASource{
		name:     cfg.SourceName(),
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		imei:     cfg.IMEI,
	}
}

func (n *NMEASource) Name() string { return n.name }

func (n *NMEASource) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("feed: open %s: %w", n.portPath, err)
	}
	n.port = port
	return nil
}

func (n *NMEASource) Close() error {
	if n.port == nil {
		return nil
	}
	err := n.port.Close()
	n.port = nil
	return err
}

func (n *NMEASource) Listen(ctx context.Context, out chan<- fleet.Message) error {
	port := n.port
	if port == nil {
		return ErrNotConnected
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
		}
	}()

	l := log.WithFields(log.Fields{"component": "feed", "source": n.name})
	l.WithFields(log.Fields{"port": n.portPath, "baud": n.baudRate}).Info("reading NMEA")

	parser := &nmeaParser{imei: n.imei}
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		p, ok := parser.feed(scanner.Text())
		if !ok {
			continue
		}
		if !forward(ctx, out, n.name, fleet.EventGPSUpdate, p) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("feed: read %s: %w", n.portPath, err)
	}
	return fmt.Errorf("%w: %s closed", ErrNotConnected, n.portPath)
}

// nmeaParser turns a stream of sentences into payloads. Each valid RMC
// sentence yields one payload; the latest GGA values ride along as telemetry.
type nmeaParser struct {
	imei string

	fixQuality int
	satellites int
	hdop       float64
	altitude   float64
	haveGGA    bool
}

func (n *nmeaParser) feed(line string) (fleet.Payload, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil, false
	}
	if !validateNMEAChecksum(line) {
		metrics.PayloadsDropped.WithLabelValues("checksum").Inc()
		return nil, false
	}

	switch {
	case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
		return n.parseRMC(line)
	case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
		n.parseGGA(line)
	}
	return nil, false
}

func (n *nmeaParser) parseRMC(line string) (fleet.Payload, bool) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 || parts[2] != "A" {
		return nil, false
	}
	lat, ok := parseNMEACoord(parts[3], parts[4])
	if !ok {
		return nil, false
	}
	lng, ok := parseNMEACoord(parts[5], parts[6])
	if !ok {
		return nil, false
	}

	p := fleet.Payload{
		"imei": n.imei,
		"lat":  lat,
		"lng":  lng,
	}
	if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
		p["speed"] = spd * 1.852 // Knots to km/h
	}
	if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
		p["heading"] = hdg
	}
	if clock, date := parts[1], parts[9]; len(clock) >= 6 && len(date) == 6 {
		p["time"] = clock[:6]
		p["date"] = date[:4] + "20" + date[4:] // ddmmyy -> ddmmyyyy
	}
	if n.haveGGA {
		p["fix_quality"] = n.fixQuality
		p["satellites"] = n.satellites
		p["hdop"] = n.hdop
		p["altitude"] = n.altitude
	}
	return p, true
}

func (n *nmeaParser) parseGGA(line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 11 {
		return
	}
	n.haveGGA = true
	if fix, err := strconv.Atoi(parts[6]); err == nil {
		n.fixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		n.satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		n.hdop = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		n.altitude = alt
	}
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	return strings.Split(strings.TrimPrefix(line, "$"), ",")
}

// parseNMEACoord converts ddmm.mmmm plus hemisphere to decimal degrees.
func parseNMEACoord(raw, dir string) (float64, bool) {
	if raw == "" || dir == "" {
		return 0, false
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	deg := math.Floor(val / 100)
	result := deg + (val-deg*100)/60
	if dir == "S" || dir == "W" {
		result = -result
	}
	return result, true
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	var calc byte
	for i := 1; i < idx; i++ {
		calc ^= line[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
