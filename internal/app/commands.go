package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/models"
	"github.com/meszmate/beacon/internal/xmpp"
	"github.com/meszmate/beacon/internal/xmpp/chat"
	"github.com/meszmate/beacon/internal/xmpp/group"
)

// Command names accepted by Execute
const (
	CmdHold      = "hold"
	CmdRelease   = "release"
	CmdIdle      = "idle"
	CmdTest      = "test"
	CmdPing      = "ping"
	CmdSend      = "send"
	CmdSendGroup = "send-group"
	CmdSendFile  = "send-file"
	CmdRestart   = "restart"
	CmdConnect   = "connect"
	CmdQuit      = "quit"
)

// ErrUnknownCommand is returned by Execute for names it does not know
var ErrUnknownCommand = errors.New("unknown command")

// UsageError reports malformed command arguments
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s %s", e.Command, e.Usage)
}

// CommandHelp describes one command for help output
type CommandHelp struct {
	Name        string
	Args        string
	Description string
}

// Commands lists every command Execute accepts
func Commands() []CommandHelp {
	return []CommandHelp{
		{CmdHold, "[activate]", "take an idle hold, optionally leaving the inactive state"},
		{CmdRelease, "", "drop an idle hold"},
		{CmdIdle, "", "shut the connection down as idle"},
		{CmdTest, "[network]", "probe the connection, optionally re-reading the network"},
		{CmdPing, "", "send a keepalive probe now"},
		{CmdSend, "<jid> <text>", "send a chat message"},
		{CmdSendGroup, "<id> <jid,jid> <text>", "send to a group, creating it with the members if unknown"},
		{CmdSendFile, "<jid> <path>", "upload a file and send its link"},
		{CmdRestart, "", "drop and re-establish the connection"},
		{CmdConnect, "", "connect if not already connected"},
		{CmdQuit, "", "disconnect and stop reconnecting"},
	}
}

// splitArgs splits line into at most n fields; the last one keeps its
// inner whitespace
func splitArgs(line string, n int) []string {
	var out []string
	rest := strings.TrimSpace(line)
	for len(out) < n-1 && rest != "" {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			break
		}
		out = append(out, rest[:i])
		rest = strings.TrimSpace(rest[i:])
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}

// Execute parses and starts a command. Parse errors are returned directly;
// everything else is reported as an EventCommand.
func (a *App) Execute(line string) error {
	args := splitArgs(line, 4)
	if len(args) == 0 {
		return nil
	}
	name := strings.ToLower(args[0])

	switch name {
	case CmdHold:
		activate := len(args) > 1 && args[1] == "activate"
		a.Hold(activate)
	case CmdRelease:
		a.Release()
	case CmdIdle:
		a.Idle()
	case CmdTest:
		a.Test(len(args) > 1 && args[1] == "network")
	case CmdPing:
		a.Ping()
	case CmdSend, CmdSendFile:
		args = splitArgs(line, 3)
		if len(args) < 3 {
			usage := "<jid> <text>"
			if name == CmdSendFile {
				usage = "<jid> <path>"
			}
			return &UsageError{Command: name, Usage: usage}
		}
		var err error
		if name == CmdSend {
			_, err = a.Send(args[1], args[2])
		} else {
			_, err = a.SendFile(args[1], args[2])
		}
		return err
	case CmdSendGroup:
		if len(args) < 4 {
			return &UsageError{Command: name, Usage: "<id> <jid,jid> <text>"}
		}
		_, err := a.SendGroup(args[1], strings.Split(args[2], ","), args[3])
		return err
	case CmdRestart:
		a.Restart()
	case CmdConnect:
		a.Connect()
	case CmdQuit:
		a.Quit()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return nil
}

func (a *App) accepted(command string) {
	a.publish(EventCommand, CommandResult{Command: command})
}

// Hold takes an idle hold
func (a *App) Hold(activate bool) {
	a.idle.Hold(activate)
	a.accepted(CmdHold)
}

// Release drops an idle hold
func (a *App) Release() {
	a.idle.Release()
	a.accepted(CmdRelease)
}

// Idle shuts the connection down as idle
func (a *App) Idle() {
	a.sup.Idle()
	a.accepted(CmdIdle)
}

// Test probes the connection
func (a *App) Test(checkNetwork bool) {
	a.sup.Test(checkNetwork)
	a.accepted(CmdTest)
}

// Ping sends a keepalive probe now
func (a *App) Ping() {
	a.sup.Ping()
	a.accepted(CmdPing)
}

// Restart drops and re-establishes the connection
func (a *App) Restart() {
	a.sup.Restart()
	a.accepted(CmdRestart)
}

// Connect connects unless a connection exists or is being made
func (a *App) Connect() {
	a.sup.CreateConnection()
	a.accepted(CmdConnect)
}

// Quit disconnects and stops reconnecting
func (a *App) Quit() {
	a.sup.Quit(false)
	a.accepted(CmdQuit)
}

func (a *App) newMessage(peer string) *models.Message {
	return &models.Message{
		StanzaID:  uuid.NewString(),
		Account:   a.self.String(),
		Peer:      peer,
		Timestamp: a.clock.Now(),
		Outgoing:  true,
		Encrypt:   a.cfg.Encryption.Enabled,
		Status:    models.StatusPending,
	}
}

func bare(s string) (string, error) {
	j, err := jid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid jid %q: %w", s, err)
	}
	return j.Bare().String(), nil
}

// Send stores a chat message and hands it to the pipeline. The returned id
// identifies the message in later status events.
func (a *App) Send(to, text string) (int64, error) {
	peer, err := bare(to)
	if err != nil {
		return 0, err
	}
	msg := a.newMessage(peer)
	msg.Body = text
	if err := a.storage.SaveMessage(msg); err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	a.submit(CmdSend, msg, chat.Options{}, true)
	return msg.ID, nil
}

// SendFile stores a media message; the pipeline uploads the file before
// sending its link
func (a *App) SendFile(to, path string) (int64, error) {
	peer, err := bare(to)
	if err != nil {
		return 0, err
	}
	msg := a.newMessage(peer)
	msg.MediaPath = path
	if err := a.storage.SaveMessage(msg); err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	a.submit(CmdSendFile, msg, chat.Options{}, true)
	return msg.ID, nil
}

// SendGroup sends to a group. An unknown group is created with members and
// the message carries the create command.
func (a *App) SendGroup(id string, members []string, text string) (int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, &UsageError{Command: CmdSendGroup, Usage: "<id> <jid,jid> <text>"}
	}

	existing, err := a.storage.GetGroup(id)
	if err != nil {
		return 0, fmt.Errorf("failed to load group: %w", err)
	}

	var gc *group.Context
	if existing == nil {
		gc = &group.Context{ID: id, Owner: a.self.String(), Command: group.CommandCreate}
		for _, m := range members {
			if strings.TrimSpace(m) == "" {
				continue
			}
			b, err := bare(m)
			if err != nil {
				return 0, err
			}
			gc.Members = append(gc.Members, b)
		}
		if len(gc.Members) == 0 {
			return 0, &UsageError{Command: CmdSendGroup, Usage: "<id> <jid,jid> <text>"}
		}
	}

	msg := a.newMessage(id)
	msg.GroupID = id
	msg.Body = text
	if err := a.storage.SaveMessage(msg); err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	// a create command is not stored, so it cannot wait for a resend
	a.submit(CmdSendGroup, msg, chat.Options{Group: gc}, gc == nil)
	return msg.ID, nil
}

// deferred reports errors that leave a message pending for the next resend
func deferred(err error) bool {
	return errors.Is(err, xmpp.ErrNotConnected) || errors.Is(err, chat.ErrRosterNotLoaded) ||
		errors.Is(err, chat.ErrNotAuthorized)
}

func (a *App) submit(command string, msg *models.Message, opts chat.Options, resendable bool) {
	task := func(ctx context.Context) {
		err := a.pipeline.Send(ctx, msg, opts)
		if deferred(err) {
			if resendable {
				a.log.WithField("message", msg.ID).WithError(err).Debug("message queued")
				err = nil
			} else if serr := a.storage.UpdateMessageStatus(msg.ID, models.StatusFailed, a.clock.Now()); serr != nil {
				a.log.WithError(serr).Warn("failed to update message status")
			}
		}
		a.publish(EventCommand, CommandResult{Command: command, MessageID: msg.ID, Err: err})
	}
	if err := a.pool.Submit(task); err != nil {
		a.publish(EventCommand, CommandResult{Command: command, MessageID: msg.ID, Err: err})
	}
}
