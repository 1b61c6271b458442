// Package mqtt forwards operational events to an MQTT broker.
//
// Every event published on the in-process bus is sent as JSON to
// <prefix>/events/<kind>. A retained availability topic
// (<prefix>/availability) reads "online" while connected and falls back
// to "offline" through the broker's will message. A periodic loop
// publishes retained state values (uptime, version, open conversations,
// default provider, today's request and token counts) under
// <prefix>/state/<name>.
//
// Connection management, including reconnects, is left to Eclipse Paho's
// autopaho package.
package mqtt
