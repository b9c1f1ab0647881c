// Package hls parses HTTP Live Streaming playlists into a structured
// form. The parser is pure: it never performs I/O and tolerates unknown
// tags, so new playlist features cannot break observation.
package hls

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const magic = "#EXTM3U"

// PlaylistType distinguishes master playlists from media playlists.
type PlaylistType string

const (
	TypeMaster PlaylistType = "master"
	TypeMedia  PlaylistType = "media"
)

// Variant is one rendition advertised by a master playlist. URI is
// absolute after resolution against the request base.
type Variant struct {
	Bandwidth  int64
	Resolution string
	Codecs     string
	URI        string
}

// Segment is one media file referenced by a media playlist.
type Segment struct {
	URI           string
	DurationSec   float64
	Discontinuity bool
}

// Playlist is the parsed form of either playlist type. Variants is
// populated for masters, the remaining fields for media playlists.
type Playlist struct {
	Type              PlaylistType
	Variants          []Variant
	TargetDurationSec float64
	MediaSequence     int64
	EndList           bool
	Segments          []Segment
}

// HighestBandwidthVariant returns the variant with the largest declared
// bandwidth, or nil for media playlists and empty masters.
func (p *Playlist) HighestBandwidthVariant() *Variant {
	var best *Variant
	for i := range p.Variants {
		if best == nil || p.Variants[i].Bandwidth > best.Bandwidth {
			best = &p.Variants[i]
		}
	}
	return best
}

// ParseError reports a body that is not a usable HLS playlist.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hls: %s", e.Reason)
}

// Parse interprets body as an HLS playlist, resolving relative URIs
// against base. It returns a ParseError when the magic line is missing
// or the playlist carries neither variants nor media content.
func Parse(body []byte, base *url.URL) (*Playlist, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawMagic := false
	pl := &Playlist{Type: TypeMedia}
	sawStructuralTag := false
	pendingDiscontinuity := false

	var pendingVariant *Variant
	var pendingSegment *Segment

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !sawMagic {
			if line != magic {
				return nil, &ParseError{Reason: "missing #EXTM3U header"}
			}
			sawMagic = true
			continue
		}

		if !strings.HasPrefix(line, "#") {
			abs, err := resolveURI(base, line)
			if err != nil {
				// Skip unresolvable entries; one bad URI should not
				// discard the rest of the playlist.
				pendingVariant = nil
				pendingSegment = nil
				continue
			}
			switch {
			case pendingVariant != nil:
				pendingVariant.URI = abs
				pl.Variants = append(pl.Variants, *pendingVariant)
				pendingVariant = nil
			case pendingSegment != nil:
				pendingSegment.URI = abs
				pl.Segments = append(pl.Segments, *pendingSegment)
				pendingSegment = nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pl.Type = TypeMaster
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			v := Variant{
				Resolution: attrs["RESOLUTION"],
				Codecs:     attrs["CODECS"],
			}
			if bw, err := strconv.ParseInt(attrs["BANDWIDTH"], 10, 64); err == nil {
				v.Bandwidth = bw
			}
			pendingVariant = &v

		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.Index(value, ","); idx >= 0 {
				value = value[:idx]
			}
			seg := Segment{Discontinuity: pendingDiscontinuity}
			pendingDiscontinuity = false
			if dur, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				seg.DurationSec = dur
			}
			pendingSegment = &seg

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			sawStructuralTag = true
			if dur, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				pl.TargetDurationSec = dur
			}

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			sawStructuralTag = true
			if seq, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				pl.MediaSequence = seq
			}

		case line == "#EXT-X-DISCONTINUITY":
			pendingDiscontinuity = true

		case line == "#EXT-X-ENDLIST":
			sawStructuralTag = true
			pl.EndList = true

		default:
			// Unknown tags are tolerated.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("read playlist: %v", err)}
	}

	if !sawMagic {
		return nil, &ParseError{Reason: "missing #EXTM3U header"}
	}

	if pl.Type == TypeMaster {
		if len(pl.Variants) == 0 {
			return nil, &ParseError{Reason: "master playlist has no variants"}
		}
		return pl, nil
	}

	if len(pl.Segments) == 0 && !sawStructuralTag {
		return nil, &ParseError{Reason: "media playlist has no segments"}
	}
	return pl, nil
}

// resolveURI makes uri absolute relative to base. An absolute uri is
// returned unchanged.
func resolveURI(base *url.URL, uri string) (string, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if base == nil {
		return "", fmt.Errorf("relative uri %q without base", uri)
	}
	return base.ResolveReference(ref).String(), nil
}

// parseAttributes splits an HLS attribute list into key/value pairs,
// honoring quoted values that may themselves contain commas.
func parseAttributes(raw string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inKey := true
	inQuotes := false

	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			attrs[k] = val.String()
		}
		key.Reset()
		val.Reset()
		inKey = true
	}

	for _, r := range raw {
		switch {
		case inKey && r == '=':
			inKey = false
		case !inKey && r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			flush()
		case inKey:
			key.WriteRune(r)
		default:
			val.WriteRune(r)
		}
	}
	flush()
	return attrs
}
