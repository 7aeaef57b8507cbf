package xmpp

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"time"
)

// Namespaces used by the delivery core
const (
	NSClient     = "jabber:client"
	NSReceipts   = "urn:xmpp:receipts"
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSGeoloc     = "http://jabber.org/protocol/geoloc"
	NSReply      = "urn:xmpp:reply:0"
	NSOOB        = "jabber:x:oob"
	NSE2E        = "urn:ietf:params:xml:ns:xmpp-e2e"
	NSDelay      = "urn:xmpp:delay"
	NSCSI        = "urn:xmpp:csi:0"
	NSPing       = "urn:xmpp:ping"
	NSVersion    = "jabber:iq:version"
	NSRoster     = "jabber:iq:roster"
	NSDiscoInfo  = "http://jabber.org/protocol/disco#info"
	NSPush       = "urn:xmpp:push:0"
	NSUpload     = "urn:xmpp:http:upload:0"
)

// Message types
const (
	TypeChat      = "chat"
	TypeGroupChat = "groupchat"
	TypeNormal    = "normal"
	TypeError     = "error"
)

// Extension is a child element carried verbatim
type Extension struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// Attr returns the value of the named attribute
func (e Extension) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Message is a message stanza
type Message struct {
	XMLName    xml.Name    `xml:"jabber:client message"`
	ID         string      `xml:"id,attr,omitempty"`
	To         string      `xml:"to,attr,omitempty"`
	From       string      `xml:"from,attr,omitempty"`
	Type       string      `xml:"type,attr,omitempty"`
	Body       string      `xml:"body,omitempty"`
	Extensions []Extension `xml:",any"`
}

// Extension returns the first child with the given namespace and local name
func (m *Message) Extension(space, local string) (Extension, bool) {
	for _, e := range m.Extensions {
		if e.XMLName.Space == space && (local == "" || e.XMLName.Local == local) {
			return e, true
		}
	}
	return Extension{}, false
}

// Add appends an extension
func (m *Message) Add(e Extension) {
	m.Extensions = append(m.Extensions, e)
}

// Delay returns the XEP-0203 timestamp, if any
func (m *Message) Delay() (time.Time, bool) {
	e, ok := m.Extension(NSDelay, "delay")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, e.Attr("stamp"))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Presence is a presence stanza
type Presence struct {
	XMLName    xml.Name    `xml:"jabber:client presence"`
	ID         string      `xml:"id,attr,omitempty"`
	To         string      `xml:"to,attr,omitempty"`
	From       string      `xml:"from,attr,omitempty"`
	Type       string      `xml:"type,attr,omitempty"`
	Show       string      `xml:"show,omitempty"`
	Status     string      `xml:"status,omitempty"`
	Priority   int         `xml:"priority,omitempty"`
	Extensions []Extension `xml:",any"`
}

// NewExtension builds an empty child element
func NewExtension(space, local string, attrs ...xml.Attr) Extension {
	return Extension{XMLName: xml.Name{Space: space, Local: local}, Attrs: attrs}
}

// Attr is a shorthand for an unqualified attribute
func Attr(local, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: local}, Value: value}
}

// ReceiptRequest asks the recipient for a delivery receipt
func ReceiptRequest() Extension {
	return NewExtension(NSReceipts, "request")
}

// Receipt acknowledges delivery of the message with the given id
func Receipt(id string) Extension {
	return NewExtension(NSReceipts, "received", Attr("id", id))
}

// ChatState is a XEP-0085 state notification
func ChatState(state string) Extension {
	return NewExtension(NSChatStates, state)
}

// Geoloc is a XEP-0080 location
func Geoloc(lat, lon float64) Extension {
	e := NewExtension(NSGeoloc, "geoloc")
	e.Inner = "<lat>" + formatFloat(lat) + "</lat><lon>" + formatFloat(lon) + "</lon>"
	return e
}

// Reply marks the message as a reply to another message
func Reply(id, to string) Extension {
	return NewExtension(NSReply, "reply", Attr("id", id), Attr("to", to))
}

// OOB carries a media URL
func OOB(url string) Extension {
	e := NewExtension(NSOOB, "x")
	e.Inner = "<url>" + escape(url) + "</url>"
	return e
}

// E2E carries an encrypted payload
func E2E(ciphertext string) Extension {
	e := NewExtension(NSE2E, "e2e")
	e.Inner = ciphertext
	return e
}

// csiState is a client state indication nonza
type csiState struct {
	XMLName xml.Name
}

func csi(local string) csiState {
	return csiState{XMLName: xml.Name{Space: NSCSI, Local: local}}
}

// IsStandaloneNotification reports whether the stanza is a bare chat state
// notification, which needs no delivery tracking
func (m *Message) IsStandaloneNotification() bool {
	if m.Body != "" || len(m.Extensions) == 0 {
		return false
	}
	for _, e := range m.Extensions {
		if e.XMLName.Space != NSChatStates {
			return false
		}
	}
	return true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
