package wire

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// EndpointStatus is the health status of one endpoint as carried in a
// ClusterHealthView.
type EndpointStatus string

const (
	StatusUp   EndpointStatus = "UP"
	StatusDown EndpointStatus = "DOWN"
)

// HealthEntry is one endpoint's status within a ClusterHealthView.
type HealthEntry struct {
	Host   string
	Port   int
	Status EndpointStatus
}

// ClusterHealthView is the client's current belief about every endpoint's
// status, piggybacked on every outgoing request so the receiving proxy can
// drive its own pool coordinator. The wire form is bit-exact:
// "h:p(UP);h:p(DOWN);…"; empty string means unknown/absent.
type ClusterHealthView struct {
	Entries []HealthEntry
}

// FormatClusterHealth serializes a ClusterHealthView to its wire form.
func FormatClusterHealth(v ClusterHealthView) string {
	if len(v.Entries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(v.Entries))
	for _, e := range v.Entries {
		parts = append(parts, fmt.Sprintf("%s:%d(%s)", e.Host, e.Port, e.Status))
	}
	return strings.Join(parts, ";")
}

// ParseClusterHealth parses the wire form produced by FormatClusterHealth.
// Malformed or unknown segments are skipped with a warning rather than
// failing the whole parse.
func ParseClusterHealth(s string) ClusterHealthView {
	if s == "" {
		return ClusterHealthView{}
	}
	segments := strings.Split(s, ";")
	entries := make([]HealthEntry, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		entry, ok := parseHealthSegment(seg)
		if !ok {
			log.Warnf("wire: skipping malformed cluster-health segment %q", seg)
			continue
		}
		entries = append(entries, entry)
	}
	return ClusterHealthView{Entries: entries}
}

func parseHealthSegment(seg string) (HealthEntry, bool) {
	open := strings.IndexByte(seg, '(')
	if open < 0 || !strings.HasSuffix(seg, ")") {
		return HealthEntry{}, false
	}
	hostPort := seg[:open]
	status := seg[open+1 : len(seg)-1]

	colon := strings.LastIndexByte(hostPort, ':')
	if colon < 0 {
		return HealthEntry{}, false
	}
	host := hostPort[:colon]
	port, err := strconv.Atoi(hostPort[colon+1:])
	if err != nil || host == "" {
		return HealthEntry{}, false
	}

	switch EndpointStatus(status) {
	case StatusUp, StatusDown:
		return HealthEntry{Host: host, Port: port, Status: EndpointStatus(status)}, true
	default:
		return HealthEntry{}, false
	}
}
