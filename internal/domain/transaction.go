// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Transaction is an immutable transaction fact consumed from the inbound
// stream. It is produced by the ingress API (or any compatible producer)
// and is never mutated by the pipeline.
type Transaction struct {
	ID       string  `json:"id"`
	UserID   string  `json:"userId"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Location string  `json:"location"`

	// Timestamp is producer-assigned. On the wire it may be either an
	// ISO-8601 string or an epoch instant (seconds or milliseconds).
	Timestamp time.Time `json:"timestamp"`
}

// transactionWire mirrors Transaction with a raw timestamp so UnmarshalJSON
// can accept both encodings.
type transactionWire struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Amount    float64         `json:"amount"`
	Currency  string          `json:"currency"`
	Location  string          `json:"location"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// UnmarshalJSON decodes a transaction, accepting ISO-8601 or epoch timestamps.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var w transactionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	t.ID = w.ID
	t.UserID = w.UserID
	t.Amount = w.Amount
	t.Currency = w.Currency
	t.Location = w.Location
	t.Timestamp = time.Time{}

	if len(w.Timestamp) == 0 || string(w.Timestamp) == "null" {
		return nil
	}

	ts, err := parseInstant(w.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
	}
	t.Timestamp = ts
	return nil
}

// parseInstant accepts an RFC 3339 string or a JSON number holding epoch
// seconds or milliseconds. Values at or above 1e12 are treated as milliseconds.
func parseInstant(raw json.RawMessage) (time.Time, error) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	}

	epoch, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, err
	}
	ms := int64(epoch)
	if ms < 1e12 {
		ms = ms * 1000
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Validate reports whether the transaction carries every field the pipeline
// requires. A failing transaction is dead-lettered, not retried.
func (t *Transaction) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	case t.UserID == "":
		return fmt.Errorf("%w: missing userId", ErrMalformedEvent)
	case t.Amount < 0:
		return fmt.Errorf("%w: negative amount", ErrMalformedEvent)
	case t.Currency == "":
		return fmt.Errorf("%w: missing currency", ErrMalformedEvent)
	case t.Location == "":
		return fmt.Errorf("%w: missing location", ErrMalformedEvent)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return nil
}

// TransactionRequest is the ingress API request payload for submitting a
// transaction. The ingress assigns the id and timestamp.
type TransactionRequest struct {
	UserID   string  `json:"userId"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Location string  `json:"location"`
}

// Validate checks the required ingress fields before a transaction is built.
func (r *TransactionRequest) Validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("userId is required")
	case r.Amount < 0:
		return fmt.Errorf("amount must be non-negative")
	case r.Currency == "":
		return fmt.Errorf("currency is required")
	case r.Location == "":
		return fmt.Errorf("location is required")
	}
	return nil
}

// ToTransaction converts a request to a Transaction with the given identity.
func (r *TransactionRequest) ToTransaction(id string, now time.Time) *Transaction {
	return &Transaction{
		ID:        id,
		UserID:    r.UserID,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Location:  r.Location,
		Timestamp: now.UTC(),
	}
}
