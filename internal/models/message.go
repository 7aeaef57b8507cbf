// Package models holds the records shared between storage and the delivery core.
package models

import "time"

// MessageStatus represents the delivery status of a stored message
type MessageStatus int

const (
	StatusNone          MessageStatus = iota // No status (incoming messages)
	StatusPending                            // Accepted locally, not yet handed to the transport
	StatusSending                            // Written to the transport, waiting for the server
	StatusSent                               // Server acknowledged
	StatusReceived                           // Recipient received (XEP-0184)
	StatusConfirmed                          // Our receipt for an incoming message reached the server
	StatusNotDelivered                       // Server bounced the message
	StatusPendingReview                      // Encryption failed, user decision required
	StatusFailed                             // Send failed permanently
)

// String returns the string representation of the status
func (s MessageStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusReceived:
		return "received"
	case StatusConfirmed:
		return "confirmed"
	case StatusNotDelivered:
		return "not-delivered"
	case StatusPendingReview:
		return "pending-review"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SecurityFlags records the outcome of decryption and verification on a message.
type SecurityFlags uint32

const (
	SecurityEncrypted SecurityFlags = 1 << iota
	SecuritySigned
	SecurityIntegrityFailed
	SecurityInvalidSignature
	SecurityInvalidSender
	SecurityInvalidRecipient
	SecurityInvalidTimestamp
	SecurityDecryptFailed
	SecurityPublicKeyUnavailable
)

// ErrorMask covers every flag that denotes a failed check.
const ErrorMask = SecurityIntegrityFailed | SecurityInvalidSignature | SecurityInvalidSender |
	SecurityInvalidRecipient | SecurityInvalidTimestamp | SecurityDecryptFailed | SecurityPublicKeyUnavailable

// Has reports whether every bit in f is set
func (s SecurityFlags) Has(f SecurityFlags) bool {
	return s&f == f
}

// HasErrors reports whether any failure bit is set
func (s SecurityFlags) HasErrors() bool {
	return s&ErrorMask != 0
}

// Message is a stored chat message
type Message struct {
	ID         int64
	StanzaID   string
	Account    string
	Peer       string // bare JID of the contact, or the group JID
	GroupID    string
	Body       string
	Timestamp  time.Time
	ServerTime time.Time
	Outgoing   bool
	Encrypt    bool
	Status     MessageStatus
	Security   SecurityFlags
	MediaPath  string
	MediaURL   string
	MediaMIME  string
	InReplyTo  string
	ReceiptFor int64 // local id of the incoming message this outgoing receipt confirms
}
