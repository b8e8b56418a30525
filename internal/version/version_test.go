package version

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/afroash/plantmon/internal/models"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.1.5", "1.1.5", 0},
		{"1.1.6", "1.1.5", 1},
		{"1.1.10", "1.1.9", 1},
		{"1.0.0_0106", "1.0.0_0107", -1},
		{"1.0.1_0093", "1.0.0_0130", 1},
		{"2.0", "2.0.1", -1},
		{"1.a.0", "1.b.0", -1},
	}

	for _, tc := range cases {
		t.Run(tc.a+"_vs_"+tc.b, func(t *testing.T) {
			assert.Equal(t, tc.want, Parse(tc.a).Compare(Parse(tc.b)))
		})
	}
}

func TestUpToDate(t *testing.T) {
	assert.True(t, UpToDate(models.ModelRopot, "1.1.5"))
	assert.True(t, UpToDate(models.ModelRopot, "1.2.0"))
	assert.False(t, UpToDate(models.ModelRopot, "1.1.4"))
	assert.True(t, UpToDate(models.ModelParrotPot, "1.1.10"))
	assert.True(t, UpToDate(models.ModelHygrotempSquare, "1.0.0_0109"))
	assert.False(t, UpToDate(models.ModelWP6003, "1.0.0"))
}

func TestWrongLengthNeverUpToDate(t *testing.T) {
	// newer than latest but not the vendor's fixed width
	assert.False(t, UpToDate(models.ModelRopot, "10.1.5"))
	assert.False(t, UpToDate(models.ModelRopot, "2.0"))
	assert.False(t, UpToDate(models.ModelHygrotempSquare, "9.9.9"))
	assert.False(t, UpToDate(models.ModelParrotPot, ""))
}

func TestLatest(t *testing.T) {
	for m, r := range releases {
		latest, ok := Latest(m)
		assert.True(t, ok, m.String())
		assert.Len(t, latest, r.length, m.String())
		assert.True(t, UpToDate(m, latest), m.String())
	}

	_, ok := Latest(models.ModelGeigerCounter)
	assert.False(t, ok)
}
