package agent

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/openarchive/pkg/crypto"
)

type agentTestEnv struct {
	srv *Server
	buf *Buffer
}

func newAgentTestEnv(t *testing.T) *agentTestEnv {
	t.Helper()
	dir := t.TempDir()
	buf, err := OpenBuffer(context.Background(), filepath.Join(dir, "buffer.db"), dir, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	srv := NewServer(Config{Addr: ":0", Hostname: "agent.test"}, buf, nil, testLogger())
	return &agentTestEnv{srv: srv, buf: buf}
}

func TestAuthAcceptsAnyCredentials(t *testing.T) {
	env := newAgentTestEnv(t)
	sess := &session{srv: env.srv}

	assert.Equal(t, []string{sasl.Plain, sasl.Login}, sess.AuthMechanisms())

	authSrv, err := sess.Auth(sasl.Plain)
	require.NoError(t, err)
	_, done, err := authSrv.Next([]byte("\x00anyone\x00whatever"))
	require.NoError(t, err)
	assert.True(t, done)

	loginSrv, err := sess.Auth(sasl.Login)
	require.NoError(t, err)
	require.NotNil(t, loginSrv)
}

func TestData_BuffersDurablyWithDetachedAttachment(t *testing.T) {
	env := newAgentTestEnv(t)

	payload := []byte("%PDF-1.4 annual numbers")
	sha := crypto.Digest(payload)
	raw := "From: alice@corp.example\r\n" +
		"To: journal@corp.example\r\n" +
		"Subject: report\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"bnd1\"\r\n" +
		"\r\n" +
		"--bnd1\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Numbers attached.\r\n" +
		"--bnd1\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"annual.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString(payload) + "\r\n" +
		"--bnd1--\r\n"

	sess := &session{srv: env.srv, from: "alice@corp.example", rcpts: []string{"journal@corp.example"}}
	require.NoError(t, sess.Data(strings.NewReader(raw)))

	ctx := context.Background()
	msgs, err := env.buf.PendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]

	_, err = uuid.Parse(m.ID)
	assert.NoError(t, err)
	assert.Equal(t, "alice@corp.example", m.Metadata.From)
	assert.Equal(t, "report", m.Metadata.Subject)
	assert.Equal(t, "alice@corp.example", m.Metadata.EnvelopeFrom)
	assert.True(t, m.Metadata.HasAttachments)
	assert.Equal(t, []string{sha}, m.Metadata.CASAttachments)

	blobs, err := env.buf.PendingBlobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, sha, blobs[0].Hash)
	stored, err := os.ReadFile(blobs[0].StoragePath)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	// The spooled ciphertext opens with the row's own key, and the
	// skeleton references the detached payload instead of carrying it.
	ciphertext, err := os.ReadFile(m.StoragePath)
	require.NoError(t, err)
	key, err := crypto.DecodeMessageKey(m.Key)
	require.NoError(t, err)
	skeleton, err := crypto.Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Contains(t, string(skeleton), "[CAS_REF:"+sha+"]")
	assert.NotContains(t, string(skeleton), base64.StdEncoding.EncodeToString(payload))
}

func TestData_FreshKeyPerMessage(t *testing.T) {
	env := newAgentTestEnv(t)

	for _, subj := range []string{"one", "two"} {
		raw := "From: a@x.example\r\nSubject: " + subj + "\r\n\r\nbody\r\n"
		sess := &session{srv: env.srv, from: "a@x.example", rcpts: []string{"j@x.example"}}
		require.NoError(t, sess.Data(strings.NewReader(raw)))
	}

	msgs, err := env.buf.PendingMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].Key, msgs[1].Key)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
}

func TestData_BufferFailureReturns451(t *testing.T) {
	env := newAgentTestEnv(t)
	require.NoError(t, env.buf.Close())

	sess := &session{srv: env.srv, from: "a@x.example"}
	err := sess.Data(strings.NewReader("From: a@x.example\r\n\r\nhi\r\n"))
	require.Error(t, err)

	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 451, smtpErr.Code)
}

func TestSessionReset(t *testing.T) {
	env := newAgentTestEnv(t)
	sess := &session{srv: env.srv}

	require.NoError(t, sess.Mail("a@x.example", nil))
	require.NoError(t, sess.Rcpt("b@x.example", nil))
	sess.Reset()
	assert.Empty(t, sess.from)
	assert.Empty(t, sess.rcpts)
}
