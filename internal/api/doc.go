// Package api implements the optional HTTP interface: a GET-only surface
// over the same command table the text-line and MQTT interfaces use,
// plus static file serving from a configured document root, Prometheus
// metrics, and a websocket convenience endpoint that mirrors the
// text-line "listen" subscription for browser dashboards.
//
// # Routes
//
//	GET /data                      all circuits, all messages
//	GET /data/{circuit}             one circuit
//	GET /data/{circuit}/{name}       one message
//	GET /datatypes                  registered field datatypes
//	GET /templates                  loaded definitions and their field names
//	GET /raw                        grab-table traffic fingerprints
//	GET /decode                     ad-hoc TYPE+hex decode
//	GET /listen                     websocket push of cache updates
//	GET /metrics                    Prometheus exposition
//	GET /health                     liveness/readiness
//	GET /*                          static files from HTTPConfig.DocRoot
//
// No HTTP handler talks to the bus directly: a /data write goes through
// Dispatcher.Execute, the same command table the text-line server uses,
// preserving the single in-flight bus transaction. The read-only routes
// read the catalog cache, the grab table or the datatype registry
// directly and issue no bus transaction.
//
// # Authentication
//
// When HTTPConfig.Secret is set, requests must carry matching
// `user`/`secret` query parameters. When HTTPConfig.JWTKey is set, an
// `Authorization: Bearer` token signed with that key is accepted as an
// alternative for programmatic clients. Neither configured means the
// endpoint is open, matching ebusd's own default of no --httpuser.
package api
