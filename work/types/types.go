package types

import (
	"encoding/json"
)

// Credentials identify a user on one upstream Xtream Codes server.
// They are created at login, held only in memory and never sent back to the browser.
type Credentials struct {
	Origin   string // normalized scheme://host[:port] of the upstream control server
	Username string // upstream account name
	Password string // upstream account password
}

// Listing is one decoded programme guide entry. Title and Description are
// plain text, Start and End are Unix seconds. Every other field reported by
// the upstream is kept verbatim in Extra and re-emitted on output.
type Listing struct {
	Title       string
	Description string
	Start       int64
	End         int64
	Extra       map[string]json.RawMessage
}

// MarshalJSON flattens Extra next to the decoded fields; decoded fields win.
func (l Listing) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(l.Extra)+4)
	for k, v := range l.Extra {
		out[k] = v
	}
	out["title"] = l.Title
	out["description"] = l.Description
	out["start"] = l.Start
	out["end"] = l.End
	return json.Marshal(out)
}

// EPGPayload is the decoded short EPG of one stream. Extra holds the other
// top-level fields of the upstream answer, re-emitted next to epg_listings.
type EPGPayload struct {
	Listings []Listing
	Extra    map[string]json.RawMessage
}

// MarshalJSON flattens Extra next to epg_listings, which always wins.
func (p EPGPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+1)
	for k, v := range p.Extra {
		out[k] = v
	}
	listings := p.Listings
	if listings == nil {
		listings = []Listing{}
	}
	out["epg_listings"] = listings
	return json.Marshal(out)
}
