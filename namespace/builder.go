// Package namespace builds the topic, key and subject names every publisher
// uses, so MQTT, Valkey, Kafka and NATS consumers find the same data under
// the same namespace.
package namespace

import (
	"strconv"
	"strings"
)

// Builder constructs namespace-prefixed topics and keys. The selector is an
// optional second level, typically the line or unit name.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTBase returns the root topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// MQTTTagTopic returns the topic for a tag value: {ns}[/{sel}]/tags/{tag}
func (b *Builder) MQTTTagTopic(tag string) string {
	return b.MQTTBase() + "/tags/" + tag
}

// MQTTEventTopic returns the alarm event stream: {ns}[/{sel}]/alarms/events
func (b *Builder) MQTTEventTopic() string {
	return b.MQTTBase() + "/alarms/events"
}

// MQTTActiveTopic returns the retained topic of an active alarm:
// {ns}[/{sel}]/alarms/active/{index}
func (b *Builder) MQTTActiveTopic(index int) string {
	return b.MQTTBase() + "/alarms/active/" + strconv.Itoa(index)
}

// MQTTPopupTopic returns the retained topic of an operator notification:
// {ns}[/{sel}]/popups/{handle}
func (b *Builder) MQTTPopupTopic(handle string) string {
	return b.MQTTBase() + "/popups/" + handle
}

// MQTTWriteTopic returns the topic for write requests: {ns}[/{sel}]/write
func (b *Builder) MQTTWriteTopic() string {
	return b.MQTTBase() + "/write"
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}[/{sel}]/write/response
func (b *Builder) MQTTWriteResponseTopic() string {
	return b.MQTTBase() + "/write/response"
}

// --- Valkey (delimiter: :) ---

// JoinKey joins key segments with colons, trimming leading and trailing
// colons and skipping empty segments.
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// ValkeyPrefix returns the key prefix: {ns}[:{sel}]
func (b *Builder) ValkeyPrefix() string {
	return JoinKey(b.namespace, b.selector)
}

// ValkeyTagKey returns the key for a tag value: {ns}[:{sel}]:tags:{tag}
func (b *Builder) ValkeyTagKey(tag string) string {
	return JoinKey(b.ValkeyPrefix(), "tags", tag)
}

// ValkeyHealthKey returns the key for provider health: {ns}[:{sel}]:health
func (b *Builder) ValkeyHealthKey() string {
	return JoinKey(b.ValkeyPrefix(), "health")
}

// ValkeyChangesChannel returns the channel for value changes: {ns}[:{sel}]:changes
func (b *Builder) ValkeyChangesChannel() string {
	return JoinKey(b.ValkeyPrefix(), "changes")
}

// ValkeyActiveAlarmsKey returns the hash of active alarms: {ns}[:{sel}]:alarms:active
func (b *Builder) ValkeyActiveAlarmsKey() string {
	return JoinKey(b.ValkeyPrefix(), "alarms", "active")
}

// ValkeyActiveThresholdsKey returns the hash of latched watches: {ns}[:{sel}]:thresholds:active
func (b *Builder) ValkeyActiveThresholdsKey() string {
	return JoinKey(b.ValkeyPrefix(), "thresholds", "active")
}

// ValkeyEventChannel returns the alarm event channel: {ns}[:{sel}]:alarms:events
func (b *Builder) ValkeyEventChannel() string {
	return JoinKey(b.ValkeyPrefix(), "alarms", "events")
}

// ValkeyWriteQueue returns the queue key for write requests: {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return JoinKey(b.ValkeyPrefix(), "writes")
}

// ValkeyWriteResponseChannel returns the channel for write responses: {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return JoinKey(b.ValkeyPrefix(), "write", "responses")
}

// --- Kafka (delimiter: .) ---

// KafkaEventTopic returns the alarm event topic: {ns}[.{sel}].alarms
func (b *Builder) KafkaEventTopic() string {
	return b.dotted() + ".alarms"
}

// KafkaHealthTopic returns the health topic that accompanies an event
// topic: {topic}.health
func (b *Builder) KafkaHealthTopic(eventTopic string) string {
	return eventTopic + ".health"
}

// --- NATS (delimiter: .) ---

// NATSSubject returns the base alarm subject: {ns}[.{sel}].alarms
func (b *Builder) NATSSubject() string {
	return b.dotted() + ".alarms"
}

// NATSEventSubject returns the subject of one event type under base:
// {base}.{event}
func (b *Builder) NATSEventSubject(base, event string) string {
	return base + "." + event
}

func (b *Builder) dotted() string {
	if b.selector != "" {
		return b.namespace + "." + b.selector
	}
	return b.namespace
}
