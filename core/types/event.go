package types

// Event is the flattened form of a pool event: a type tag plus string
// attributes suitable for logs and JSON responses.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
