package gps

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// hdopUERE is the assumed user-equivalent range error in metres for a
// consumer receiver; horizontal accuracy is estimated as HDOP times this.
const hdopUERE = 5.0

// Fix is one parsed position report from the receiver.
type Fix struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	// Accuracy is the estimated horizontal error in metres, derived from
	// HDOP. Zero means the sentence carried no dilution figure (RMC).
	Accuracy float64   `json:"accuracy_m"`
	Time     time.Time `json:"time"`
}

// ErrNoFix indicates a syntactically valid sentence that reports no
// position lock (GGA quality 0, RMC status V).
var ErrNoFix = fmt.Errorf("receiver has no position fix")

// ErrUnsupportedSentence indicates a sentence type the parser does not
// handle. Receivers interleave many sentence types; callers normally skip
// these.
var ErrUnsupportedSentence = fmt.Errorf("unsupported NMEA sentence")

// AppendChecksum wraps an NMEA sentence body in the $...*hh frame,
// computing the XOR checksum over the body.
func AppendChecksum(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X", body, sum)
}

// ParseSentence parses a single NMEA 0183 line into a Fix. GGA and RMC
// sentences from any talker (GP, GN, GL...) are supported; everything else
// returns ErrUnsupportedSentence. The frame checksum is verified when
// present.
func ParseSentence(line string) (Fix, error) {
	line = strings.TrimSpace(line)
	if len(line) < 7 || line[0] != '$' {
		return Fix{}, fmt.Errorf("malformed NMEA frame %q", line)
	}

	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want := body[star+1:]
		body = body[:star]
		var sum byte
		for i := 0; i < len(body); i++ {
			sum ^= body[i]
		}
		got, err := strconv.ParseUint(want, 16, 8)
		if err != nil || byte(got) != sum {
			return Fix{}, fmt.Errorf("checksum mismatch in %q", line)
		}
	}

	fields := strings.Split(body, ",")
	talker := fields[0]
	if len(talker) != 5 {
		return Fix{}, ErrUnsupportedSentence
	}
	switch talker[2:] {
	case "GGA":
		return parseGGA(fields)
	case "RMC":
		return parseRMC(fields)
	default:
		return Fix{}, ErrUnsupportedSentence
	}
}

// parseGGA handles the fix-data sentence:
// xxGGA,time,lat,N/S,lon,E/W,quality,numSV,HDOP,alt,M,sep,M,...
func parseGGA(fields []string) (Fix, error) {
	if len(fields) < 9 {
		return Fix{}, fmt.Errorf("GGA sentence too short: %d fields", len(fields))
	}
	if fields[6] == "" || fields[6] == "0" {
		return Fix{}, ErrNoFix
	}

	lat, err := parseCoordinate(fields[2], fields[3])
	if err != nil {
		return Fix{}, fmt.Errorf("GGA latitude: %w", err)
	}
	lon, err := parseCoordinate(fields[4], fields[5])
	if err != nil {
		return Fix{}, fmt.Errorf("GGA longitude: %w", err)
	}

	fix := Fix{Lat: lat, Lon: lon}
	if fields[8] != "" {
		hdop, err := strconv.ParseFloat(fields[8], 64)
		if err != nil {
			return Fix{}, fmt.Errorf("GGA HDOP %q: %w", fields[8], err)
		}
		fix.Accuracy = hdop * hdopUERE
	}
	if t, ok := parseClock(fields[1], ""); ok {
		fix.Time = t
	}
	return fix, nil
}

// parseRMC handles the recommended-minimum sentence:
// xxRMC,time,status,lat,N/S,lon,E/W,speed,course,date,...
func parseRMC(fields []string) (Fix, error) {
	if len(fields) < 10 {
		return Fix{}, fmt.Errorf("RMC sentence too short: %d fields", len(fields))
	}
	if fields[2] != "A" {
		return Fix{}, ErrNoFix
	}

	lat, err := parseCoordinate(fields[3], fields[4])
	if err != nil {
		return Fix{}, fmt.Errorf("RMC latitude: %w", err)
	}
	lon, err := parseCoordinate(fields[5], fields[6])
	if err != nil {
		return Fix{}, fmt.Errorf("RMC longitude: %w", err)
	}

	fix := Fix{Lat: lat, Lon: lon}
	if t, ok := parseClock(fields[1], fields[9]); ok {
		fix.Time = t
	}
	return fix, nil
}

// parseCoordinate converts the NMEA ddmm.mmmm / dddmm.mmmm form plus
// hemisphere letter into signed decimal degrees.
func parseCoordinate(value, hemisphere string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	dot := strings.IndexByte(value, '.')
	if dot < 0 {
		dot = len(value)
	}
	if dot < 3 {
		return 0, fmt.Errorf("coordinate %q too short", value)
	}

	degrees, err := strconv.ParseFloat(value[:dot-2], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", value, err)
	}
	minutes, err := strconv.ParseFloat(value[dot-2:], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", value, err)
	}

	deg := degrees + minutes/60
	switch hemisphere {
	case "N", "E":
		return deg, nil
	case "S", "W":
		return -deg, nil
	default:
		return 0, fmt.Errorf("unknown hemisphere %q", hemisphere)
	}
}

// parseClock combines the hhmmss.sss time field and the optional ddmmyy
// date field into a UTC timestamp. Without a date field the time is
// anchored to today's UTC date.
func parseClock(clock, date string) (time.Time, bool) {
	if len(clock) < 6 {
		return time.Time{}, false
	}
	hour, err1 := strconv.Atoi(clock[0:2])
	minute, err2 := strconv.Atoi(clock[2:4])
	sec, err3 := strconv.ParseFloat(clock[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	var year, month, day int
	if len(date) == 6 {
		d, err1 := strconv.Atoi(date[0:2])
		m, err2 := strconv.Atoi(date[2:4])
		y, err3 := strconv.Atoi(date[4:6])
		if err1 != nil || err2 != nil || err3 != nil {
			return time.Time{}, false
		}
		year, month, day = 2000+y, m, d
	} else {
		now := time.Now().UTC()
		year, month, day = now.Year(), int(now.Month()), now.Day()
	}

	whole := int(sec)
	nanos := int((sec - float64(whole)) * 1e9)
	return time.Date(year, time.Month(month), day, hour, minute, whole, nanos, time.UTC), true
}
