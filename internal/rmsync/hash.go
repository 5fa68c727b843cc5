package rmsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

// CalculateAggregateHash fingerprints the fields of an aggregate that reach
// the remote entry: remote project, date, hours to two decimals, billable
// flag and notes. Hours are compared formatted so that sub-cent rounding
// never reads as a change. The local project is already part of the key and
// is left out, but a remap to another remote project changes the hash.
func CalculateAggregateHash(a Aggregate) string {
	sum := sha256.Sum256([]byte(canonical(a)))
	return hex.EncodeToString(sum[:])
}

// canonical puts notes last since they are the only free-text field.
func canonical(a Aggregate) string {
	var b strings.Builder
	b.WriteString(a.RemoteProjectID)
	b.WriteByte('|')
	b.WriteString(timecalc.FormatDate(a.Date))
	b.WriteByte('|')
	b.WriteString(timecalc.FormatHours(a.TotalHours))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(a.IsBillable))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(a.Notes))
	return b.String()
}
