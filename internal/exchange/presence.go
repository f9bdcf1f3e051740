package exchange

import (
	"math"
	"sort"
	"strings"

	"github.com/systemx/systemx/internal/protocol"
)

// presenceQuery is a validated PRESENCE filter set.
type presenceQuery struct {
	domain       string
	capabilities []string
	near         *nearFilter
}

type nearFilter struct {
	lat, lon, radiusKm float64
}

func (r *Router) handlePresence(conn *Connection, f protocol.Frame) {
	if conn.Address == "" {
		r.send(conn, protocol.Error(protocol.ReasonNotRegistered, protocol.TypePresence, "presence requires a registered address"))
		return
	}
	q, detail := parsePresenceQuery(f)
	if q == nil {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypePresence, detail))
		return
	}

	var entries []protocol.PresenceEntry
	r.registry.All(func(c *Connection) {
		if c == conn || c.Address == "" {
			return
		}
		if !q.matches(c) {
			return
		}
		entries = append(entries, protocol.PresenceEntry{
			Address:  c.Address,
			Status:   string(c.EffectiveStatus()),
			Metadata: c.Metadata,
		})
	})
	// Map iteration order varies; sort so a single reply is stable.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

	r.send(conn, protocol.PresenceResult(entries))
}

func parsePresenceQuery(f protocol.Frame) (*presenceQuery, string) {
	q := &presenceQuery{}
	if !f.Has("query") {
		return q, ""
	}
	obj, ok := f.Obj("query")
	if !ok {
		return nil, "query must be an object"
	}
	query := protocol.Frame(obj)

	if query.Has("domain") {
		s, ok := query.Str("domain")
		if !ok {
			return nil, "query.domain must be a string"
		}
		q.domain = s
	}
	if query.Has("capabilities") {
		caps, ok := query.StrSlice("capabilities")
		if !ok {
			return nil, "query.capabilities must be an array of strings"
		}
		q.capabilities = caps
	}
	if query.Has("near") {
		obj, ok := query.Obj("near")
		if !ok {
			return nil, "query.near must be an object"
		}
		near := protocol.Frame(obj)
		lat, okLat := near.Num("lat")
		lon, okLon := near.Num("lon")
		radius, okRad := near.Num("radius_km")
		if !okLat || !okLon || !okRad || radius < 0 {
			return nil, "query.near requires numeric lat, lon and a non-negative radius_km"
		}
		q.near = &nearFilter{lat: lat, lon: lon, radiusKm: radius}
	}
	return q, ""
}

func (q *presenceQuery) matches(c *Connection) bool {
	if q.domain != "" && !strings.EqualFold(q.domain, AddressDomain(c.Address)) {
		return false
	}
	if len(q.capabilities) > 0 && !hasCapabilities(c.Metadata, q.capabilities) {
		return false
	}
	if q.near != nil {
		lat, lon, ok := metadataLocation(c.Metadata)
		if !ok {
			return false
		}
		if haversineKm(q.near.lat, q.near.lon, lat, lon) > q.near.radiusKm {
			return false
		}
	}
	return true
}

// hasCapabilities checks that metadata.capabilities contains every required
// capability.
func hasCapabilities(metadata map[string]any, required []string) bool {
	raw, ok := metadata["capabilities"].([]any)
	if !ok {
		return false
	}
	have := make(map[string]struct{}, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			have[s] = struct{}{}
		}
	}
	for _, want := range required {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// metadataLocation extracts metadata.location.{lat,lon}.
func metadataLocation(metadata map[string]any) (lat, lon float64, ok bool) {
	loc, isObj := metadata["location"].(map[string]any)
	if !isObj {
		return 0, 0, false
	}
	lat, okLat := loc["lat"].(float64)
	lon, okLon := loc["lon"].(float64)
	return lat, lon, okLat && okLon
}

// earthRadiusKm is the mean earth radius used for great-circle distances.
const earthRadiusKm = 6371.0

// haversineKm computes the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
