// Package anomaly scores agent behavior from heartbeat telemetry.
//
// The composite score is a weighted sum of four clamped factors: heartbeat
// latency deviation from the agent's learned baseline, error rate, resource
// ceiling pressure, and task completion collapse. Scores at or above the
// configured threshold hand the agent to the quarantine manager. Baselines
// update with an exponential moving average and can be inherited, at reduced
// confidence, by a resurrected successor.
package anomaly
