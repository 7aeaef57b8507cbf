// Package pgp is the message coder: it encrypts and signs outgoing payloads
// for their recipients and classifies what goes wrong when decrypting.
package pgp

import (
	"bufio"
	"bytes"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	pgperrors "golang.org/x/crypto/openpgp/errors"
	"golang.org/x/crypto/openpgp/packet"
	// keys from other clients may still prefer RIPEMD160
	_ "golang.org/x/crypto/ripemd160"

	"github.com/meszmate/beacon/internal/models"
)

// Content types carried inside the envelope
const (
	ContentText   = "text/plain"
	ContentStanza = "application/xmpp+xml"
)

// Code classifies coder failures
type Code int

const (
	CodeCryptoFailure Code = iota + 1
	CodeNoPublicKey
	CodeNoPersonalKey
	CodeIntegrityCheck
	CodeInvalidSignature
	CodeInvalidSender
	CodeInvalidRecipient
	CodeInvalidTimestamp
	CodeDecryptFailed
	CodePublicKeyUnavailable
)

var codeNames = map[Code]string{
	CodeCryptoFailure:        "crypto failure",
	CodeNoPublicKey:          "no public key",
	CodeNoPersonalKey:        "no personal key",
	CodeIntegrityCheck:       "integrity check failed",
	CodeInvalidSignature:     "invalid signature",
	CodeInvalidSender:        "invalid sender",
	CodeInvalidRecipient:     "invalid recipient",
	CodeInvalidTimestamp:     "invalid timestamp",
	CodeDecryptFailed:        "decryption failed",
	CodePublicKeyUnavailable: "public key unavailable",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

// Flag maps a code to the security flag recorded on the message
func (c Code) Flag() models.SecurityFlags {
	switch c {
	case CodeIntegrityCheck:
		return models.SecurityIntegrityFailed
	case CodeInvalidSignature:
		return models.SecurityInvalidSignature
	case CodeInvalidSender:
		return models.SecurityInvalidSender
	case CodeInvalidRecipient:
		return models.SecurityInvalidRecipient
	case CodeInvalidTimestamp:
		return models.SecurityInvalidTimestamp
	case CodePublicKeyUnavailable, CodeNoPublicKey:
		return models.SecurityPublicKeyUnavailable
	case CodeDecryptFailed, CodeCryptoFailure:
		return models.SecurityDecryptFailed
	}
	return 0
}

// CoderError is a classified coder failure
type CoderError struct {
	Code Code
	// JID names the contact the error concerns, when there is one
	JID string
	Err error
}

func (e *CoderError) Error() string {
	msg := e.Code.String()
	if e.JID != "" {
		msg += " for " + e.JID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CoderError) Unwrap() error {
	return e.Err
}

// Is matches on the code so that errors.Is(err, ErrNoPublicKey) works
func (e *CoderError) Is(target error) bool {
	t, ok := target.(*CoderError)
	return ok && t.Code == e.Code && t.JID == "" && t.Err == nil
}

var (
	// ErrNoPublicKey matches failures caused by a missing recipient key
	ErrNoPublicKey = &CoderError{Code: CodeNoPublicKey}
	// ErrNoPersonalKey matches failures caused by a missing own key
	ErrNoPersonalKey = &CoderError{Code: CodeNoPersonalKey}
)

// Decrypted is the outcome of Decrypt. The message is kept even when Errors
// is not empty; Flags records what could and could not be verified.
type Decrypted struct {
	Content     string
	ContentType string
	Sender      string
	Timestamp   time.Time
	Flags       models.SecurityFlags
	Errors      []*CoderError
}

// packetConfig is shared by key generation and the coder so generated keys
// advertise the hash and cipher used to write messages
func packetConfig(bits int) *packet.Config {
	return &packet.Config{
		DefaultHash:   crypto.SHA256,
		DefaultCipher: packet.CipherAES256,
		RSABits:       bits,
	}
}

// Coder encrypts for contacts and decrypts with the personal key
type Coder struct {
	mu       sync.RWMutex
	self     string
	personal *openpgp.Entity
	keyring  map[string]*openpgp.Entity // bare JID -> public key
	config   *packet.Config
	now      func() time.Time
}

// NewCoder creates a coder for the account self. personal may be nil, in
// which case every operation fails with ErrNoPersonalKey.
func NewCoder(self string, personal *openpgp.Entity) *Coder {
	return &Coder{
		self:     bareJID(self),
		personal: personal,
		keyring:  make(map[string]*openpgp.Entity),
		config:   packetConfig(0),
		now:      time.Now,
	}
}

// Load reads the personal key and the contact keyring from armored files.
// A missing personal key file yields a coder without a personal key.
func Load(self, keyFile, keyringFile, passphrase string) (*Coder, error) {
	var personal *openpgp.Entity
	if keyFile != "" {
		entities, err := readArmoredFile(keyFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read personal key: %w", err)
		case len(entities) > 0:
			personal = entities[0]
			if err := unlock(personal, passphrase); err != nil {
				return nil, err
			}
		}
	}

	c := NewCoder(self, personal)
	if keyringFile != "" {
		entities, err := readArmoredFile(keyringFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read keyring: %w", err)
		}
		for _, e := range entities {
			c.AddPublicKey(e)
		}
	}
	return c, nil
}

func readArmoredFile(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return openpgp.ReadArmoredKeyRing(f)
}

func unlock(e *openpgp.Entity, passphrase string) error {
	if e.PrivateKey == nil {
		return errors.New("personal key has no private part")
	}
	if e.PrivateKey.Encrypted {
		if err := e.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return fmt.Errorf("failed to unlock personal key: %w", err)
		}
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return fmt.Errorf("failed to unlock subkey: %w", err)
			}
		}
	}
	return nil
}

// Generate creates a new personal key bound to jid
func Generate(name, jid string, bits int) (*openpgp.Entity, error) {
	e, err := openpgp.NewEntity(name, "", bareJID(jid), packetConfig(bits))
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return e, nil
}

// AddPublicKey stores a contact key under every JID its identities name
func (c *Coder) AddPublicKey(e *openpgp.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range e.Identities {
		if id.UserId == nil || id.UserId.Email == "" {
			continue
		}
		c.keyring[bareJID(id.UserId.Email)] = e
	}
}

// AddArmoredPublicKey parses and stores an armored public key
func (c *Coder) AddArmoredPublicKey(armored string) error {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	for _, e := range entities {
		c.AddPublicKey(e)
	}
	return nil
}

// HasPersonalKey reports whether the coder can sign and decrypt
func (c *Coder) HasPersonalKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.personal != nil && c.personal.PrivateKey != nil
}

// HasPublicKey reports whether a key for jid is known
func (c *Coder) HasPublicKey(jid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyring[bareJID(jid)] != nil
}

// ExportPublicKey returns the personal public key, armored
func (c *Coder) ExportPublicKey() (string, error) {
	c.mu.RLock()
	personal := c.personal
	c.mu.RUnlock()
	if personal == nil {
		return "", ErrNoPersonalKey
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := personal.Serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// EncryptText encrypts a bare message body for the recipients
func (c *Coder) EncryptText(recipients []string, text string) (string, error) {
	return c.encrypt(recipients, ContentText, text)
}

// EncryptStanza encrypts serialized stanza content for the recipients
func (c *Coder) EncryptStanza(recipients []string, xml string) (string, error) {
	return c.encrypt(recipients, ContentStanza, xml)
}

func (c *Coder) encrypt(recipients []string, contentType, content string) (string, error) {
	c.mu.RLock()
	personal := c.personal
	to := make([]*openpgp.Entity, 0, len(recipients))
	var missing string
	for _, r := range recipients {
		e := c.keyring[bareJID(r)]
		if e == nil {
			missing = bareJID(r)
			break
		}
		to = append(to, e)
	}
	c.mu.RUnlock()

	if personal == nil || personal.PrivateKey == nil {
		return "", ErrNoPersonalKey
	}
	if missing != "" {
		return "", &CoderError{Code: CodeNoPublicKey, JID: missing}
	}
	if len(to) == 0 {
		return "", &CoderError{Code: CodeCryptoFailure, Err: errors.New("no recipients")}
	}

	var buf bytes.Buffer
	w, err := openpgp.Encrypt(&buf, to, personal, nil, c.config)
	if err != nil {
		return "", &CoderError{Code: CodeCryptoFailure, Err: err}
	}
	if _, err := io.WriteString(w, c.envelope(recipients, contentType, content)); err != nil {
		return "", &CoderError{Code: CodeCryptoFailure, Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &CoderError{Code: CodeCryptoFailure, Err: err}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// envelope wraps content in CPIM-style headers binding it to its sender,
// recipients and time
func (c *Coder) envelope(recipients []string, contentType, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.self)
	bare := make([]string, len(recipients))
	for i, r := range recipients {
		bare[i] = bareJID(r)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(bare, ", "))
	fmt.Fprintf(&b, "DateTime: %s\r\n", c.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", contentType)
	b.WriteString(content)
	return b.String()
}

// Decrypt opens a payload received from sender. Classified failures are
// returned in Decrypted.Errors and as flags; the returned error is only set
// when the coder cannot run at all.
func (c *Coder) Decrypt(sender, payload string) (*Decrypted, error) {
	c.mu.RLock()
	personal := c.personal
	keyring := make(openpgp.EntityList, 0, len(c.keyring)+1)
	for _, e := range c.keyring {
		keyring = append(keyring, e)
	}
	c.mu.RUnlock()

	if personal == nil || personal.PrivateKey == nil {
		return nil, ErrNoPersonalKey
	}
	keyring = append(keyring, personal)

	out := &Decrypted{Flags: models.SecurityEncrypted}
	fail := func(code Code, err error) {
		out.Errors = append(out.Errors, &CoderError{Code: code, JID: bareJID(sender), Err: err})
		out.Flags |= code.Flag()
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		fail(CodeDecryptFailed, err)
		return out, nil
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(raw), keyring, nil, c.config)
	if err != nil {
		fail(CodeDecryptFailed, err)
		return out, nil
	}

	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		var sigErr pgperrors.SignatureError
		if errors.As(err, &sigErr) {
			fail(CodeIntegrityCheck, err)
		} else {
			fail(CodeDecryptFailed, err)
		}
		return out, nil
	}

	switch {
	case !md.IsSigned:
	case md.SignedBy == nil:
		fail(CodePublicKeyUnavailable, pgperrors.ErrUnknownIssuer)
	case md.SignatureError != nil:
		fail(CodeInvalidSignature, md.SignatureError)
	default:
		out.Flags |= models.SecuritySigned
		if !entityHasJID(md.SignedBy.Entity, sender) {
			fail(CodeInvalidSender, errors.New("signer does not match sender"))
		}
	}

	c.parseEnvelope(out, sender, plain, fail)
	return out, nil
}

func (c *Coder) parseEnvelope(out *Decrypted, sender string, plain []byte, fail func(Code, error)) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(plain)))
	hdr, err := r.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		// not enveloped; treat as bare text
		out.Content = string(plain)
		out.ContentType = ContentText
		return
	}

	body, _ := io.ReadAll(r.R)
	out.Content = string(body)
	out.ContentType = hdr.Get("Content-Type")
	if out.ContentType == "" {
		out.ContentType = ContentText
	}

	out.Sender = bareJID(hdr.Get("From"))
	if out.Sender != bareJID(sender) {
		fail(CodeInvalidSender, fmt.Errorf("envelope sender %q", out.Sender))
	}

	found := false
	for _, to := range strings.Split(hdr.Get("To"), ",") {
		if bareJID(strings.TrimSpace(to)) == c.self {
			found = true
			break
		}
	}
	if !found {
		fail(CodeInvalidRecipient, errors.New("not addressed to us"))
	}

	ts, err := time.Parse(time.RFC3339, hdr.Get("DateTime"))
	if err != nil {
		fail(CodeInvalidTimestamp, err)
	} else {
		out.Timestamp = ts
	}
}

func entityHasJID(e *openpgp.Entity, jid string) bool {
	want := bareJID(jid)
	for _, id := range e.Identities {
		if id.UserId != nil && bareJID(id.UserId.Email) == want {
			return true
		}
	}
	return false
}

func bareJID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "xmpp:")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}
