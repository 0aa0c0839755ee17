// Package mqtt makes haletta visible in Home Assistant as an MQTT device.
//
// On every (re-)connect the publisher sends retained discovery configs
// for two entities, an "event" entity that fires when a follow-up is
// requested and a timestamp sensor holding the last completed turn, plus
// a birth message on the availability topic. A will message flips
// availability to "offline" if the connection drops. Between connects it
// forwards follow-up and turn events from the in-process bus.
//
// Connection management is Eclipse Paho v2's [autopaho], which
// reconnects on its own.
package mqtt
