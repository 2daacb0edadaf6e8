package subscription

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/weft/internal/graph"
)

// ContentSignature builds a deterministic fingerprint of a node's content,
// properties, and supertags. Signature equality means "no change": two
// assemblies of the same logical state produce the same signature even
// when object identity differs.
//
// Layout: NFC-normalized content, then each property field sorted by field
// name with its raw values joined by "|" in declared order, then the
// sorted comma-joined supertag IDs. Unit separators keep sections from
// colliding.
func ContentSignature(n *graph.AssembledNode) string {
	var b strings.Builder

	b.WriteString(norm.NFC.String(n.Content))
	b.WriteByte(0x1f)

	props := make([]graph.PropertyValue, len(n.Properties))
	copy(props, n.Properties)
	sort.Slice(props, func(i, j int) bool {
		if props[i].FieldName != props[j].FieldName {
			return props[i].FieldName < props[j].FieldName
		}
		return props[i].FieldID < props[j].FieldID
	})
	for _, p := range props {
		b.WriteString(p.FieldName)
		b.WriteByte('=')
		b.WriteString(strings.Join(p.Values, "|"))
		b.WriteByte(0x1e)
	}
	b.WriteByte(0x1f)

	tags := make([]string, len(n.Supertags))
	for i, st := range n.Supertags {
		tags[i] = string(st.ID)
	}
	sort.Strings(tags)
	b.WriteString(strings.Join(tags, ","))

	return b.String()
}
