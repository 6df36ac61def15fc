package mqtt

import (
	"strings"
)

// Topics builds MQTT topic strings from the eBUS MQTT scheme (spec.md §6
// "Topic scheme is a template %circuit/%name[/%field] prefixed by a
// configurable base"). Three topic classes share the same circuit/name
// addressing: data (published on update), global (daemon-wide signals),
// and definition (a per-message schema topic that nothing publishes to).
//
//	topics := mqtt.NewTopics("ebusd")
//	topics.Data("heating", "Status01")           // ebusd/heating/Status01
//	topics.DataField("heating", "Status01", "t") // ebusd/heating/Status01/t
//	topics.Global("running")                     // ebusd/global/running
type Topics struct {
	Base string
}

// NewTopics returns a Topics builder for the given configured base. An
// empty base defaults to "ebusd", matching the teacher's own
// service-name default.
func NewTopics(base string) Topics {
	if base == "" {
		base = "ebusd"
	}
	return Topics{Base: strings.Trim(base, "/")}
}

// Data returns the topic a message's combined field values are published
// to on update.
func (t Topics) Data(circuit, name string) string {
	return t.Base + "/" + circuit + "/" + name
}

// DataField returns the topic a single field's value is published to,
// used when the integration requests per-field publishing rather than a
// combined JSON payload.
func (t Topics) DataField(circuit, name, field string) string {
	return t.Base + "/" + circuit + "/" + name + "/" + field
}

// Definition returns the topic name for a message's definition (its field
// schema). Neither Client nor Bridge publishes to it.
func (t Topics) Definition(circuit, name string) string {
	return t.Base + "/" + circuit + "/" + name + "/definition"
}

// Global returns the topic for a daemon-wide signal: "running", "signal",
// "scan", "uptime", "version", or "updatecheck".
func (t Topics) Global(key string) string {
	return t.Base + "/global/" + key
}

// SubscribeFilter returns the wildcard subscription pattern that matches
// every incoming get/set/list command (spec.md §6 "Subscription:
// <base>/+/+/get|set|list[?args]").
func (t Topics) SubscribeFilter() string {
	return t.Base + "/+/+/+"
}

// ParseCommandTopic splits an incoming command topic into circuit, name,
// and verb ("get", "set", or "list"). ok is false if topic does not have
// the expected <base>/circuit/name/verb shape.
func (t Topics) ParseCommandTopic(topic string) (circuit, name, verb string, ok bool) {
	rest := strings.TrimPrefix(topic, t.Base+"/")
	if rest == topic {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
