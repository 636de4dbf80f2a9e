//go:build property
// +build property

package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/openarchive/openarchive/pkg/store"
)

func propEntries(actions []string) []store.AuditEntry {
	entries := make([]store.AuditEntry, len(actions))
	for i, a := range actions {
		entries[i] = store.AuditEntry{
			Username: "auditor" + strconv.Itoa(i%3),
			Action:   strings.ToUpper(a),
			Details:  []byte(`{"seq":` + strconv.Itoa(i) + `}`),
		}
	}
	return entries
}

// rowsFromEntries rebuilds the walk result set from already-hashed
// entries so a single field can be tampered with before verification.
func rowsFromEntries(entries []store.AuditEntry) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "username", "action", "details", "previous_hash", "current_hash"})
	for _, e := range entries {
		rows.AddRow(e.ID, e.Username, e.Action, e.Details, e.PreviousHash, e.CurrentHash)
	}
	return rows
}

// TestChainLinkStructureProperty verifies that any well-formed chain,
// whatever its length and contents, verifies end to end with the last
// entry's hash as the head.
func TestChainLinkStructureProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("well-formed chains verify whole", prop.ForAll(
		func(actions []string) bool {
			db, mock, err := sqlmock.New()
			if err != nil {
				return false
			}
			defer db.Close()
			rec := NewRecorder(store.New(db), nil)

			rows, chain := chainRows(9, propEntries(actions))
			expectWalk(mock, 9, rows)

			status, err := rec.Verify(context.Background(), 9)
			if err != nil || !status.Valid {
				return false
			}
			if status.LogCount != int64(len(actions)) {
				return false
			}
			want := RootHash
			if len(chain) > 0 {
				want = chain[len(chain)-1].CurrentHash
			}
			return status.HeadHash == want
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestTamperDetectionNamesEntryProperty verifies that editing any one
// entry's content is reported against exactly that entry's ID.
func TestTamperDetectionNamesEntryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("an edited entry is named", prop.ForAll(
		func(actions []string, seed int) bool {
			if len(actions) == 0 {
				return true
			}
			db, mock, err := sqlmock.New()
			if err != nil {
				return false
			}
			defer db.Close()
			rec := NewRecorder(store.New(db), nil)

			_, chain := chainRows(4, propEntries(actions))
			k := seed % len(chain)
			chain[k].Action += "X"
			expectWalk(mock, 4, rowsFromEntries(chain))

			status, err := rec.Verify(context.Background(), 4)
			if err != nil || status.Valid || status.LogCount != 0 {
				return false
			}
			return status.Error == fmt.Sprintf("Integrity failure at ID %d: Content mismatch.", k+1)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 1<<20),
	))

	properties.Property("a spliced link is named", prop.ForAll(
		func(actions []string, seed int) bool {
			if len(actions) == 0 {
				return true
			}
			db, mock, err := sqlmock.New()
			if err != nil {
				return false
			}
			defer db.Close()
			rec := NewRecorder(store.New(db), nil)

			_, chain := chainRows(4, propEntries(actions))
			k := seed % len(chain)
			// Appending keeps the forged anchor a different length than
			// any real predecessor hash.
			chain[k].PreviousHash += "f"
			expectWalk(mock, 4, rowsFromEntries(chain))

			status, err := rec.Verify(context.Background(), 4)
			if err != nil || status.Valid || status.LogCount != 0 {
				return false
			}
			return status.Error == fmt.Sprintf("Chain broken at ID %d: Link mismatch.", k+1)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}
