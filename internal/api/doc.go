// Package api exposes a running scenario over HTTP.
//
// Endpoints:
//
//	GET  /api/status                 scenario and client state
//	GET  /api/ops                    operations of the registry
//	GET  /api/ops/{id}/poll          statistics snapshot (?samples=N&reset=1)
//	POST /api/ops/{id}/reset         clear statistics
//	POST /api/client/start           restart the scenario client
//	POST /api/client/stop            stop the scenario client
//	GET  /api/presets                built-in scenarios
//	/ws                              websocket with per-second polls and lifecycle events
package api
