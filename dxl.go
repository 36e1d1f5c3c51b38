// Package dxl implements a client for the Data Exchange Layer (DXL), an
// MQTT-based pub/sub fabric with a request/response overlay and a service
// registry. A client publishes events, invokes remote services with
// correlated request/response, and registers local services that peer
// clients can invoke. Connectivity is MQTT over TLS or MQTT over
// WebSockets, optionally through an HTTP or SOCKS5 proxy.
package dxl

// Topics reserved by the fabric.
const (
	// Service registry register/unregister request topics.
	TopicServiceRegisterRequest   = "/mcafee/service/dxl/svcregistry/register"
	TopicServiceUnregisterRequest = "/mcafee/service/dxl/svcregistry/unregister"

	// Events the broker emits when services come and go.
	TopicServiceRegisterEvent   = "/mcafee/event/dxl/svcregistry/register"
	TopicServiceUnregisterEvent = "/mcafee/event/dxl/svcregistry/unregister"

	// Registry query services.
	TopicServiceQuery        = "/mcafee/service/dxl/svcregistry/query"
	TopicClientRegistryQuery = "/mcafee/service/dxl/clientregistry/query"
	TopicBrokerRegistryQuery = "/mcafee/service/dxl/brokerregistry/query"

	// Events the broker emits when clients connect and disconnect.
	TopicClientConnectEvent    = "/mcafee/event/dxl/clientregistry/connect"
	TopicClientDisconnectEvent = "/mcafee/event/dxl/clientregistry/disconnect"

	// replyToPrefix is the per-client private response topic prefix.
	replyToPrefix = "/mcafee/client/"
)

// Events and requests/responses travel at QoS 0; the broker owns delivery
// fan-out and service tie-breaking.
const defaultQoS byte = 0
