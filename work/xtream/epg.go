package xtream

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"xtream-gate/work/types"
)

// listingsKey is the top-level field carrying the guide entries.
const listingsKey = "epg_listings"

// upstream local time layout used by most panels when not sending RFC 3339
const panelTimeLayout = "2006-01-02 15:04:05"

// decodeEPG turns the upstream listings into plain text and Unix seconds and
// keeps every other top-level field. The result always has a non-nil
// Listings slice; a listings field that is not an array of objects is an error.
func decodeEPG(top map[string]json.RawMessage) (types.EPGPayload, error) {
	var raw []map[string]json.RawMessage
	if v, ok := top[listingsKey]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &raw); err != nil {
			return types.EPGPayload{}, err
		}
	}

	out := types.EPGPayload{Listings: make([]types.Listing, 0, len(raw))}
	for _, fields := range raw {
		out.Listings = append(out.Listings, decodeListing(fields))
	}
	for k, v := range top {
		if k == listingsKey {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage, len(top))
		}
		out.Extra[k] = v
	}
	return out, nil
}

func decodeListing(fields map[string]json.RawMessage) types.Listing {
	l := types.Listing{
		Title:       DecodeText(jsonString(fields["title"])),
		Description: DecodeText(jsonString(fields["description"])),
		Start:       ParseTime(jsonString(fields["start"])),
		End:         ParseTime(jsonString(fields["end"])),
	}
	// fall back to the epoch columns some panels fill instead
	if l.Start == 0 {
		l.Start = parseEpoch(jsonString(fields["start_timestamp"]))
	}
	if l.End == 0 {
		l.End = parseEpoch(jsonString(fields["stop_timestamp"]))
	}

	for k, v := range fields {
		switch k {
		case "title", "description", "start", "end":
			continue
		}
		if l.Extra == nil {
			l.Extra = make(map[string]json.RawMessage, len(fields))
		}
		l.Extra[k] = v
	}
	return l
}

// DecodeText base64-decodes an EPG text field. Unpadded input is accepted;
// anything that does not decode to valid UTF-8 is returned unchanged.
func DecodeText(s string) string {
	if s == "" {
		return ""
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil && utf8.Valid(b) {
			return string(b)
		}
	}
	return s
}

// ParseTime converts an EPG timestamp to Unix seconds. Zone-less panel
// times are read as UTC. Empty or unparseable input yields 0.
func ParseTime(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix()
	}
	if t, err := time.ParseInLocation(panelTimeLayout, s, time.UTC); err == nil {
		return t.Unix()
	}
	return 0
}

func parseEpoch(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// jsonString reads a JSON string or number as text; other types give "".
func jsonString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
