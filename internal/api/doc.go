// Package api exposes the daemon's HTTP surface.
//
// # Endpoints
//
//   - POST /v1/agents              register an agent
//   - GET  /v1/agents              list agents, optionally filtered by status
//   - GET  /v1/agents/{id}         fetch one agent
//   - POST /v1/heartbeat           ingest a heartbeat signal
//   - GET  /v1/agents/{id}/health  heartbeat health summary
//   - POST /v1/agents/{id}/restart trigger a restart
//   - GET  /v1/agents/{id}/restarts   restart history, newest first
//   - GET  /v1/agents/{id}/lineage    replacement chain, newest first
//   - GET  /v1/agents/{id}/snapshot   pre-quarantine snapshot
//   - POST /v1/agents/{id}/resurrect  resurrect a terminated agent
//   - POST /v1/guardian/override   guardian override (leader only)
//   - GET  /v1/guardian/audit      guardian action audit log
//   - GET  /health                 daemon liveness
//
// Handlers translate domain sentinel errors into status codes (stale
// sequence 409, checksum mismatch 400, standby guardian 503, rate and
// restart ceilings 429) and always answer JSON, errors included.
package api
