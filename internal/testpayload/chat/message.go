// Package chat holds payload types shared by codec tests and benchmarks.
package chat

// Message is an app payload, tagged for both json and msgpack.
type Message struct {
	From    string            `json:"from" msgpack:"from"`
	Seq     int64             `json:"seq" msgpack:"seq"`
	Headers map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
}
