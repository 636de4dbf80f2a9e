package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/index"
)

var skeletonTemplate = strings.Join([]string{
	"From: alice@corp.com",
	"To: bob@partner.io",
	"Subject: quarterly numbers",
	"Date: Mon, 06 Jan 2025 10:00:00 +0000",
	"MIME-Version: 1.0",
	`Content-Type: multipart/mixed; boundary="b1"`,
	"",
	"--b1",
	"Content-Type: text/plain",
	"",
	"Numbers attached. SSN 123-45-6789 on file.",
	"--b1",
	"Content-Type: application/pdf",
	`Content-Disposition: attachment; filename="q.pdf"`,
	"X-OpenArchive-CAS-Ref: %s",
	"",
	"[CAS_REF:%s]",
	"--b1--",
	"",
}, "\n")

type fixture struct {
	blobs   *blob.Memory
	idx     *index.Memory
	dir     string
	exp     *Exporter
	payload []byte
	sha     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{blobs: blob.NewMemory(), idx: index.NewMemory(), dir: t.TempDir()}
	exp, err := New(f.idx, f.blobs, f.dir, nil)
	require.NoError(t, err)
	f.exp = exp
	return f
}

func (f *fixture) addMessage(t *testing.T, id string, orgs ...int64) {
	t.Helper()
	f.payload = []byte("%PDF-1.4 fake quarterly report")
	f.sha = crypto.Digest(f.payload)
	skeleton := fmt.Sprintf(skeletonTemplate, f.sha, f.sha)

	keyStr, err := crypto.GenerateMessageKey()
	require.NoError(t, err)
	keyBytes, err := crypto.DecodeMessageKey(keyStr)
	require.NoError(t, err)
	ciphertext, err := crypto.Encrypt([]byte(skeleton), keyBytes)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.blobs.Put(ctx, blob.MessageKey(id), ciphertext))
	require.NoError(t, f.blobs.Put(ctx, blob.CASKey(f.sha), f.payload))
	require.NoError(t, f.idx.Upsert(ctx, []index.Document{{
		ID:            id,
		OrgIDs:        orgs,
		From:          "alice@corp.com",
		To:            "bob@partner.io",
		Subject:       "quarterly numbers",
		Date:          "Mon, 06 Jan 2025 10:00:00 +0000",
		DateTimestamp: 1736157600,
		SenderEmail:   "alice@corp.com",
		EnvelopeFrom:  "alice@corp.com",
		EncryptionKey: keyStr,
	}}))
}

func readZip(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := map[string][]byte{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[zf.Name] = data
	}
	return out
}

func TestRunNativeRehydratesAttachments(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "msg-1", 1)

	res, err := f.exp.Run(context.Background(), Job{
		ExportID: "job-1", OrgID: 1, MessageIDs: []string{"msg-1"}, Format: FormatNative,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exported)
	assert.Equal(t, 0, res.Failed)

	entries := readZip(t, res.Path)
	eml := string(entries["msg-1.eml"])
	require.NotEmpty(t, eml)
	assert.Contains(t, eml, "Numbers attached. SSN 123-45-6789 on file.")
	assert.Contains(t, eml, base64.StdEncoding.EncodeToString(f.payload),
		"attachment payload restored from content-addressed storage")
	assert.Contains(t, eml, `Content-Disposition: attachment; filename="q.pdf"`)
	assert.NotContains(t, eml, "[CAS_REF:")
	assert.NotContains(t, eml, "X-OpenArchive-CAS-Ref")
}

func TestRunScopesLookupsToOrg(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "msg-1", 2)

	res, err := f.exp.Run(context.Background(), Job{
		ExportID: "job-1", OrgID: 1, MessageIDs: []string{"msg-1", "ghost"}, Format: FormatNative,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Exported)
	assert.Equal(t, 2, res.Failed)

	entries := readZip(t, res.Path)
	assert.Contains(t, string(entries["msg-1_error.txt"]), "not found",
		"another tenant's message is indistinguishable from a missing one")
	assert.Contains(t, string(entries["ghost_error.txt"]), "not found")
}

func TestRunMissingBlobYieldsErrorEntry(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "msg-1", 1)
	require.NoError(t, f.blobs.Delete(context.Background(), blob.MessageKey("msg-1")))

	res, err := f.exp.Run(context.Background(), Job{
		ExportID: "job-1", OrgID: 1, MessageIDs: []string{"msg-1"}, Format: FormatNative,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	entries := readZip(t, res.Path)
	assert.Contains(t, string(entries["msg-1_error.txt"]), "failed to fetch blob")
}

func TestRunRedactsTextAndHeaders(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "msg-1", 1)

	res, err := f.exp.Run(context.Background(), Job{
		ExportID: "job-1", OrgID: 1, MessageIDs: []string{"msg-1"}, Format: FormatNative, Redact: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exported)

	eml := string(readZip(t, res.Path)["msg-1.eml"])
	assert.NotContains(t, eml, "123-45-6789")
	assert.Contains(t, eml, "[SSN]")
	assert.Contains(t, eml, "From: [EMAIL]")
	assert.Contains(t, eml, base64.StdEncoding.EncodeToString(f.payload),
		"binary attachments are not run through text masking")
}

func TestRunPDFFormat(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "msg-1", 1)

	res, err := f.exp.Run(context.Background(), Job{
		ExportID: "job-1", OrgID: 1, MessageIDs: []string{"msg-1"}, Format: FormatPDF,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exported)

	data := readZip(t, res.Path)["msg-1.pdf"]
	require.NotEmpty(t, data)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestRunMboxFormat(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "msg-1", 1)

	res, err := f.exp.Run(context.Background(), Job{
		ExportID: "job-1", OrgID: 1, MessageIDs: []string{"msg-1"}, Format: FormatMbox,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exported)

	entries := readZip(t, res.Path)
	require.Len(t, entries, 1, "mbox exports bundle every message into one file")
	content := string(entries["job-1.mbox"])
	assert.True(t, strings.HasPrefix(content, "From alice@corp.com "))
	assert.Contains(t, content, "Numbers attached")
}

func TestRunPublishesAtomically(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "msg-1", 1)

	res, err := f.exp.Run(context.Background(), Job{
		ExportID: "job-1", OrgID: 1, MessageIDs: []string{"msg-1"}, Format: FormatNative,
	})
	require.NoError(t, err)

	names, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "job-1.zip", names[0].Name())
	assert.Equal(t, res.Path, f.dir+string(os.PathSeparator)+"job-1.zip")
}

func TestRunValidatesJob(t *testing.T) {
	f := newFixture(t)

	_, err := f.exp.Run(context.Background(), Job{ExportID: "j", OrgID: 1, Format: FormatNative})
	assert.Error(t, err, "a job without messages is refused")

	_, err = f.exp.Run(context.Background(), Job{
		ExportID: "j", OrgID: 1, MessageIDs: []string{"m"}, Format: Format("tarball"),
	})
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":       FormatNative,
		"native": FormatNative,
		"PDF":    FormatPDF,
		" mbox ": FormatMbox,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("tarball")
	assert.Error(t, err)
}
