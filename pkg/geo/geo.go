// Package geo annotates verdicts with the source location of the
// offending event. Lookup is best-effort: a missing database or an
// unresolvable address degrades to no annotation, never to an error in
// the detection path.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Location is the resolved origin of one source address.
type Location struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	CityName    string  `json:"city_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Resolver wraps a MaxMind city database. The zero-value (or nil)
// Resolver resolves nothing and is safe to use.
type Resolver struct {
	reader *geoip2.Reader
}

// NewResolver opens the .mmdb at path. An empty path returns an inert
// resolver so callers can wire geo annotation unconditionally.
func NewResolver(path string) (*Resolver, error) {
	if path == "" {
		return &Resolver{}, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

// Close releases the database handle.
func (r *Resolver) Close() {
	if r != nil && r.reader != nil {
		r.reader.Close()
	}
}

// Enabled reports whether a database is loaded.
func (r *Resolver) Enabled() bool {
	return r != nil && r.reader != nil
}

// Resolve returns the location for one address, or nil when the
// resolver is inert, the address does not parse, is private, or the
// database has no record for it.
func (r *Resolver) Resolve(address string) *Location {
	if !r.Enabled() {
		return nil
	}
	ip := net.ParseIP(address)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() {
		return nil
	}
	record, err := r.reader.City(ip)
	if err != nil || record.Country.IsoCode == "" {
		return nil
	}
	return &Location{
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		CityName:    record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}
}
