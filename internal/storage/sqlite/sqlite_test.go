package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/beacon/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func outgoing(peer, body string) *models.Message {
	return &models.Message{
		StanzaID:  "s-" + body,
		Account:   "me@example.org",
		Peer:      peer,
		Body:      body,
		Timestamp: time.UnixMilli(1700000000000),
		Outgoing:  true,
		Status:    models.StatusPending,
	}
}

func TestSaveAndGetMessage(t *testing.T) {
	db := openTestDB(t)

	msg := outgoing("bob@example.org", "hello")
	msg.Security = models.SecurityEncrypted | models.SecuritySigned
	require.NoError(t, db.SaveMessage(msg))
	require.NotZero(t, msg.ID)

	got, err := db.GetMessage(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.True(t, got.Security.Has(models.SecuritySigned))
	assert.True(t, got.ServerTime.IsZero())

	byStanza, err := db.GetMessageByStanzaID("me@example.org", "s-hello")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, byStanza.ID)

	missing, err := db.GetMessage(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateMessageStatusExcept(t *testing.T) {
	db := openTestDB(t)

	msg := outgoing("bob@example.org", "hi")
	require.NoError(t, db.SaveMessage(msg))

	require.NoError(t, db.UpdateMessageStatus(msg.ID, models.StatusReceived, time.Time{}))

	changed, err := db.UpdateMessageStatusExcept(msg.ID, models.StatusSent, time.Now(),
		models.StatusReceived, models.StatusNotDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := db.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReceived, got.Status)

	other := outgoing("bob@example.org", "second")
	require.NoError(t, db.SaveMessage(other))
	ts := time.UnixMilli(1700000005000)
	changed, err = db.UpdateMessageStatusExcept(other.ID, models.StatusSent, ts,
		models.StatusReceived, models.StatusNotDelivered)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err = db.GetMessage(other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, ts, got.ServerTime)
}

func TestPendingMessages(t *testing.T) {
	db := openTestDB(t)

	a := outgoing("bob@example.org", "a")
	b := outgoing("carol@example.org", "b")
	c := outgoing("bob@example.org", "c")
	for _, m := range []*models.Message{a, b, c} {
		require.NoError(t, db.SaveMessage(m))
	}
	require.NoError(t, db.UpdateMessageStatus(b.ID, models.StatusSending, time.Time{}))
	require.NoError(t, db.UpdateMessageStatus(c.ID, models.StatusSent, time.Now()))

	pending, err := db.PendingMessages("me@example.org")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	count, err := db.PendingMessageCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestKeepalivePersistence(t *testing.T) {
	db := openTestDB(t)

	_, _, ok, err := db.LoadKeepalive("wifi")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveKeepalive("wifi", 15*time.Minute, 10*time.Minute))
	require.NoError(t, db.SaveKeepalive("wifi", 10*time.Minute, 15*time.Minute))

	iv, next, ok, err := db.LoadKeepalive("wifi")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Minute, iv)
	assert.Equal(t, 15*time.Minute, next)
}

func TestGroups(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveGroup(Group{
		ID:      "g1",
		Owner:   "me@example.org",
		Subject: "weekend",
		Members: []string{"me@example.org", "bob@example.org", "carol@example.org"},
	}))

	ok, err := db.IsGroupMember("g1", "bob@example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.IsGroupMember("g1", "dave@example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveGroup(Group{ID: "g1", Owner: "me@example.org", Members: []string{"me@example.org"}, PartialAllowed: true}))
	g, err := db.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"me@example.org"}, g.Members)
	assert.True(t, g.PartialAllowed)

	require.NoError(t, db.DeleteGroup("g1"))
	ok, err = db.IsGroupMember("g1", "me@example.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRosterCache(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveRoster("me@example.org", []RosterEntry{
		{JID: "bob@example.org", Name: "Bob", Groups: []string{"Friends"}, Subscription: "both"},
		{JID: "carol@example.org", Subscription: "to"},
	}))

	entries, err := db.GetRoster("me@example.org")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob@example.org", entries[0].JID)
	assert.Equal(t, []string{"Friends"}, entries[0].Groups)
	assert.Equal(t, "carol@example.org", entries[1].JID)
	assert.Empty(t, entries[1].Name)
	assert.Empty(t, entries[1].Groups)

	require.NoError(t, db.ClearRoster("me@example.org"))
	entries, err = db.GetRoster("me@example.org")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRosterUnnamedSortsByJID(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveRoster("me@example.org", []RosterEntry{
		{JID: "zoe@example.org", Name: "zed"},
		{JID: "amy@example.org"},
		{JID: "mia@example.org", Name: "Mia"},
	}))

	entries, err := db.GetRoster("me@example.org")
	require.NoError(t, err)
	var jids []string
	for _, e := range entries {
		jids = append(jids, e.JID)
	}
	assert.Equal(t, []string{"mia@example.org", "amy@example.org", "zoe@example.org"}, jids)
}

func TestRosterBadGroupsReported(t *testing.T) {
	db := openTestDB(t)

	_, err := db.db.Exec(`
		INSERT INTO roster_cache (account, jid, name, groups_json, subscription, last_updated)
		VALUES ('me@example.org', 'bob@example.org', 'Bob', '{broken', 'both', 0)
	`)
	require.NoError(t, err)

	_, err = db.GetRoster("me@example.org")
	assert.Error(t, err)
}

func TestAppState(t *testing.T) {
	db := openTestDB(t)

	v, err := db.GetAppState("last_push")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.SetAppState("last_push", "1700000000"))
	v, err = db.GetAppState("last_push")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", v)
}

func TestReopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, db.SaveMessage(outgoing("bob@example.org", "x")))
	require.NoError(t, db.Close())

	db, err = New(dir)
	require.NoError(t, err)
	defer db.Close()

	n, err := db.GetMessageCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
