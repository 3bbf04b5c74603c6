// Package gpx builds GPX 1.1 track logs from activity streams. Only position,
// time and elevation are ever written.
package gpx

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"time"
)

const namespace = "http://www.topografix.com/GPX/1/1"

// ErrNoPoints is returned when the streams hold no usable samples.
var ErrNoPoints = errors.New("no track points")

// Point is a single track sample.
type Point struct {
	Lat  float64
	Lon  float64
	Time time.Time
	Ele  *float64
}

// FromStreams pairs each latlng sample with the matching time offset, in seconds
// from start. Samples without a time offset are dropped. altitude may be shorter
// than latlng or nil.
func FromStreams(start time.Time, latlng [][]float64, offsets []int64, altitude []float64) ([]Point, error) {
	n := len(latlng)
	if len(offsets) < n {
		n = len(offsets)
	}
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		if len(latlng[i]) != 2 {
			return nil, fmt.Errorf("latlng sample %d has %d values", i, len(latlng[i]))
		}
		p := Point{
			Lat:  latlng[i][0],
			Lon:  latlng[i][1],
			Time: start.Add(time.Duration(offsets[i]) * time.Second).UTC(),
		}
		if i < len(altitude) {
			ele := altitude[i]
			p.Ele = &ele
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	return points, nil
}

type document struct {
	XMLName  xml.Name  `xml:"gpx"`
	XMLNS    string    `xml:"xmlns,attr"`
	Version  string    `xml:"version,attr"`
	Creator  string    `xml:"creator,attr"`
	Metadata *metadata `xml:"metadata,omitempty"`
	Track    track     `xml:"trk"`
}

type metadata struct {
	Time string `xml:"time,omitempty"`
}

type track struct {
	Name    string  `xml:"name,omitempty"`
	Segment segment `xml:"trkseg"`
}

type segment struct {
	Points []trackPoint `xml:"trkpt"`
}

type trackPoint struct {
	Lat  string `xml:"lat,attr"`
	Lon  string `xml:"lon,attr"`
	Ele  string `xml:"ele,omitempty"`
	Time string `xml:"time"`
}

// Build renders points as a GPX 1.1 document with a single track and segment.
func Build(name, creator string, points []Point) ([]byte, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}

	doc := document{
		XMLNS:    namespace,
		Version:  "1.1",
		Creator:  creator,
		Metadata: &metadata{Time: formatTime(points[0].Time)},
		Track:    track{Name: name},
	}
	doc.Track.Segment.Points = make([]trackPoint, len(points))
	for i, p := range points {
		tp := trackPoint{
			Lat:  formatFloat(p.Lat),
			Lon:  formatFloat(p.Lon),
			Time: formatTime(p.Time),
		}
		if p.Ele != nil {
			tp.Ele = formatFloat(*p.Ele)
		}
		doc.Track.Segment.Points[i] = tp
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding gpx: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.7f", f)
}
