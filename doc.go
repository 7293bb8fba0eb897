// Package connector is the runtime half of an integration-connector SDK.
//
// A connector process hosts one capability: business logic that talks to a
// third-party API. The runtime registers the process with the orchestration
// service, keeps a persistent socket open and turns the commands the server
// sends over it into calls on the capability.
//
// # Architecture
//
// The runtime is assembled from small packages, each owning one concern:
//
//   - packet: the wire unit and the batched {"p":[...]} frame
//   - fetch: outbound HTTP with retries, rate-limit handling and error
//     classification
//   - secrets: RSA keypair and the encrypted-JWT codec protecting
//     configuration fields at rest on the server
//   - oauth: authorization-code exchange, refresh and an authenticated fetch
//     client that retries once after a forced refresh
//   - connection: the connect, register and reconnect loop over HTTP
//   - transport: the socket session, outbound queue and correlation table
//   - dispatch: the fixed command set (introspect, start-oauth, finish-oauth,
//     query, set-config) and the route tree of the capability
//   - runtime: wiring, ordered shutdown, health checks and the cobra CLI
//
// # Quick Start
//
// Implement capability.Capability, usually by embedding capability.Base, and
// hand it to runtime.Main:
//
//	type companies struct{ capability.Base }
//
//	func (c *companies) Routes() capability.Routes {
//		return capability.Routes{
//			"companies": capability.Routes{
//				"getPage": capability.Handler(c.getPage),
//			},
//		}
//	}
//
//	func main() {
//		runtime.Main(&companies{})
//	}
//
// The binary reads CONNECTOR_* environment variables (or a YAML file passed
// with --config), generates a keypair on first start when none is configured
// and serves until SIGINT or SIGTERM.
//
// # Configuration
//
// The required settings are:
//
//	CONNECTOR_ID                  connector id, also the encryption audience
//	CONNECTOR_REGISTRATION_TOKEN  long-lived bootstrap secret
//	CONNECTOR_DEVICE_URL          base URL of /connect, /register, /disconnect
//	CONNECTOR_SOCKET_URL          socket endpoint
//	CONNECTOR_PRIVATE_KEY         base64 JWK, see "connector keygen"
//	CONNECTOR_PUBLIC_KEY          base64 JWK
//
// See package config for every setting and its default.
//
// # Observability
//
// Structured logs go through zap. Prometheus collectors live in the
// connector_ namespace and, together with /healthz, are served when
// --metrics-addr is set. OpenTelemetry spans wrap every command and outbound
// fetch when tracing is enabled.
package connector
