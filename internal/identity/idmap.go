package identity

import (
	"hash/fnv"
	"strings"
)

// IDMapping deterministically maps directory object ids into a local
// uid/gid range, the way idmap-backed NSS providers do. The mapping is a
// pure function of the object id, so every host in the tenant resolves the
// same uid for the same principal without coordination.
type IDMapping struct {
	Min uint32
	Max uint32
}

// DefaultIDMapping matches the range commonly reserved for cloud directory
// users, above local users and container ranges.
func DefaultIDMapping() IDMapping {
	return IDMapping{Min: 1_000_000, Max: 6_999_999}
}

func (m IDMapping) MapID(objectID string) uint32 {
	if m.Max <= m.Min {
		return m.Min
	}
	// 64-bit span: Min 0, Max MaxUint32 would wrap a uint32 span to zero
	span := uint64(m.Max) - uint64(m.Min) + 1
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(objectID)))
	return m.Min + uint32(uint64(h.Sum32())%span)
}

// LocalName derives the local account name from a UPN: the mailbox part,
// lowercased, as enrolled hosts present cloud users to NSS.
func LocalName(upn string) string {
	name := upn
	if i := strings.IndexByte(upn, '@'); i > 0 {
		name = upn[:i]
	}
	return strings.ToLower(name)
}
