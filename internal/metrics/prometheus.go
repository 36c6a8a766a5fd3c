package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats a snapshot in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP meterd_uptime_seconds Time since the metering daemon started\n")
	sb.WriteString("# TYPE meterd_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("meterd_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP meterd_charges_total Committed charges by feature\n")
	sb.WriteString("# TYPE meterd_charges_total counter\n")
	for _, feature := range sortedKeys(snap.ChargesByFeature) {
		sb.WriteString(fmt.Sprintf("meterd_charges_total{feature=%q} %d\n", feature, snap.ChargesByFeature[feature]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP meterd_tokens_charged_total Ledger tokens charged by feature\n")
	sb.WriteString("# TYPE meterd_tokens_charged_total counter\n")
	for _, feature := range sortedKeys(snap.TokensByFeature) {
		sb.WriteString(fmt.Sprintf("meterd_tokens_charged_total{feature=%q} %d\n", feature, snap.TokensByFeature[feature]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP meterd_replays_total Idempotent replays served\n")
	sb.WriteString("# TYPE meterd_replays_total counter\n")
	sb.WriteString(fmt.Sprintf("meterd_replays_total %d\n", snap.Replays))
	sb.WriteString("\n")

	sb.WriteString("# HELP meterd_refusals_total Charges refused for insufficient balance\n")
	sb.WriteString("# TYPE meterd_refusals_total counter\n")
	sb.WriteString(fmt.Sprintf("meterd_refusals_total %d\n", snap.Refusals))
	sb.WriteString("\n")

	sb.WriteString("# HELP meterd_upstream_failures_total AI calls that failed before billing\n")
	sb.WriteString("# TYPE meterd_upstream_failures_total counter\n")
	sb.WriteString(fmt.Sprintf("meterd_upstream_failures_total %d\n", snap.UpstreamFailures))

	return sb.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
