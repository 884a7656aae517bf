package felica

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type stationKey struct {
	area, line, station int
}

// Stations maps (area, line, station) codes to station names. A nil
// *Stations is valid and knows no names.
type Stations struct {
	names map[stationKey]string
}

// LoadStations reads a StationCode.csv file with the header
// AreaCode,LineCode,StationCode,CompanyName,LineName,StationName,Note.
func LoadStations(path string) (*Stations, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open station codes: %w", err)
	}
	defer f.Close()
	return ParseStations(f)
}

// ParseStations reads station codes from r. Rows with unparsable codes
// are skipped.
func ParseStations(r io.Reader) (*Stations, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	s := &Stations{names: make(map[stationKey]string)}
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read station codes: %w", err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimPrefix(rec[0], "\ufeff"), "AreaCode") {
				continue
			}
		}
		if len(rec) < 6 {
			continue
		}
		area, err1 := strconv.Atoi(strings.TrimSpace(rec[0]))
		line, err2 := strconv.Atoi(strings.TrimSpace(rec[1]))
		station, err3 := strconv.Atoi(strings.TrimSpace(rec[2]))
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		s.names[stationKey{area, line, station}] = strings.TrimSpace(rec[5])
	}
	return s, nil
}

// Len returns the number of known stations.
func (s *Stations) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Name returns the station name, or the raw line/station code in hex
// when the station is unknown.
func (s *Stations) Name(area, line, station byte) string {
	if s != nil {
		if n, ok := s.names[stationKey{int(area), int(line), int(station)}]; ok {
			return n
		}
	}
	return fmt.Sprintf("0x%02X%02X", line, station)
}
