// Package version compares vendor firmware strings against the latest
// release known for each model. The result is informational only.
package version

import (
	"strconv"
	"strings"

	"github.com/afroash/plantmon/internal/models"
)

// Version is a firmware string split into ordered segments
type Version struct {
	raw      string
	segments []string
}

// Parse splits s on '.' and '_'
func Parse(s string) Version {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '_'
	})
	return Version{raw: s, segments: fields}
}

func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1. Numeric segments compare as numbers, other
// segments as strings; a missing segment sorts before a present one.
func (v Version) Compare(o Version) int {
	n := len(v.segments)
	if len(o.segments) > n {
		n = len(o.segments)
	}
	for i := 0; i < n; i++ {
		if i >= len(v.segments) {
			return -1
		}
		if i >= len(o.segments) {
			return 1
		}
		if c := compareSegment(v.segments[i], o.segments[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

type release struct {
	length int
	latest string
}

// Firmware is 5, 6 or 10 characters wide depending on the vendor. The 8
// character format exists but no supported model reports it.
var releases = map[models.Model]release{
	models.ModelRopot:           {length: 5, latest: "1.1.5"},
	models.ModelFlowerCare:      {length: 5, latest: "3.2.2"},
	models.ModelParrotPot:       {length: 6, latest: "1.1.10"},
	models.ModelHygrotempSquare: {length: 10, latest: "1.0.0_0106"},
	models.ModelHygrotempCGG1:   {length: 10, latest: "1.0.1_0093"},
}

// Latest returns the latest known firmware for a model
func Latest(m models.Model) (string, bool) {
	r, ok := releases[m]
	return r.latest, ok
}

// UpToDate reports whether fw is at least the latest known release.
// A string of the wrong length is never compared and never up to date.
func UpToDate(m models.Model, fw string) bool {
	r, ok := releases[m]
	if !ok || len(fw) != r.length {
		return false
	}
	return Parse(fw).Compare(Parse(r.latest)) >= 0
}
