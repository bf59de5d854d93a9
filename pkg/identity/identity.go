// Package identity is the boundary to the external identity and
// access-control collaborators. Key issuance, signing, and verification all
// live outside this system; the engine only ever sees opaque public keys and
// yes/no write decisions.
package identity

// Identity names the acting principal.
type Identity interface {
	PublicKey() string
}

// Authorizer answers write-permission checks for an index or collection.
type Authorizer interface {
	CanWrite(actorKey string) bool
}

// Static is a fixed identity with an explicit writer set. It stands in for
// the external access-control service in tests and single-node deployments.
type Static struct {
	Key     string
	Writers map[string]bool
}

func NewStatic(key string, writers ...string) *Static {
	s := &Static{Key: key, Writers: make(map[string]bool, len(writers))}
	for _, w := range writers {
		s.Writers[w] = true
	}
	return s
}

func (s *Static) PublicKey() string {
	return s.Key
}

func (s *Static) CanWrite(actorKey string) bool {
	if actorKey == s.Key {
		return true
	}
	return s.Writers[actorKey]
}
