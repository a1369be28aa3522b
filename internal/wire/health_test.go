package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClusterHealthRoundTrip(t *testing.T) {
	view := ClusterHealthView{Entries: []HealthEntry{
		{Host: "db1.internal", Port: 5672, Status: StatusUp},
		{Host: "db2.internal", Port: 5673, Status: StatusDown},
	}}

	wire := FormatClusterHealth(view)
	assert.Equal(t, "db1.internal:5672(UP);db2.internal:5673(DOWN)", wire)

	parsed := ParseClusterHealth(wire)
	assert.Equal(t, view, parsed)
}

func TestFormatClusterHealth_Empty(t *testing.T) {
	assert.Equal(t, "", FormatClusterHealth(ClusterHealthView{}))
}

func TestParseClusterHealth_Empty(t *testing.T) {
	assert.Equal(t, ClusterHealthView{}, ParseClusterHealth(""))
}

func TestParseClusterHealth_SkipsMalformedSegments(t *testing.T) {
	got := ParseClusterHealth("db1:5672(UP);garbage;db2:5673(DOWN);db3:notaport(UP);db4(UP)")
	assert.Equal(t, []HealthEntry{
		{Host: "db1", Port: 5672, Status: StatusUp},
		{Host: "db2", Port: 5673, Status: StatusDown},
	}, got.Entries)
}

func TestParseClusterHealth_UnknownStatusSkipped(t *testing.T) {
	got := ParseClusterHealth("db1:5672(DEGRADED)")
	assert.Empty(t, got.Entries)
}
