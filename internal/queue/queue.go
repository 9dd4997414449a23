// Package queue carries the worker's messages over RabbitMQ: the
// enrichment continuation queue it consumes and the downstream
// detection queue it publishes to.
package queue

import "context"

// Publisher sends one JSON-encoded payload to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// Handler processes one raw message body. Returning an error marks the
// message failed for logging and metrics; the message is acknowledged
// either way. Redelivery is not the safety mechanism here: duplicate
// and late deliveries are expected, and the enrichment lock protocol
// makes them harmless.
type Handler func(ctx context.Context, body []byte) error

// Config holds broker settings.
type Config struct {
	URL          string `yaml:"url" mapstructure:"url"`
	Continuation string `yaml:"continuation" mapstructure:"continuation"` // queue this worker consumes
	Detection    string `yaml:"detection" mapstructure:"detection"`       // downstream notification queue
	Prefetch     int    `yaml:"prefetch" mapstructure:"prefetch"`
	DialAttempts int    `yaml:"dial_attempts" mapstructure:"dial_attempts"`
}
