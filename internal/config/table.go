package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Table is the read-only credential table. It is built once at load time
// and is safe for concurrent use without locking.
type Table struct {
	peers         map[string]*PeerConfig
	byDestination map[string]string
	byName        map[string]string
	credentials   []string
}

// NewTable indexes peers by credential, chat destination and lower-cased
// display name. Names and chat destinations must be unique.
func NewTable(peers map[string]PeerConfig) (*Table, error) {
	t := &Table{
		peers: make(map[string]*PeerConfig, len(peers)),
	}
	for credential, peer := range peers {
		p := peer
		t.peers[credential] = &p
	}

	names := lo.MapToSlice(peers, func(_ string, p PeerConfig) string {
		return strings.ToLower(p.Name)
	})
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, strings.Join(dups, ", "))
	}

	destinations := lo.Without(lo.MapToSlice(peers, func(_ string, p PeerConfig) string {
		return p.ChatDestination
	}), "")
	if dups := lo.FindDuplicates(destinations); len(dups) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDestination, strings.Join(dups, ", "))
	}

	t.byName = lo.MapEntries(peers, func(credential string, p PeerConfig) (string, string) {
		return strings.ToLower(p.Name), credential
	})
	t.byDestination = lo.MapEntries(lo.PickBy(peers, func(_ string, p PeerConfig) bool {
		return p.ChatDestination != ""
	}), func(credential string, p PeerConfig) (string, string) {
		return p.ChatDestination, credential
	})

	t.credentials = lo.Keys(peers)
	sort.Slice(t.credentials, func(i, j int) bool {
		return t.peers[t.credentials[i]].Name < t.peers[t.credentials[j]].Name
	})
	return t, nil
}

// Lookup returns the peer configuration for a credential.
func (t *Table) Lookup(credential string) (*PeerConfig, bool) {
	p, ok := t.peers[credential]
	return p, ok
}

// CredentialForDestination maps an external chat channel to the credential
// of the peer it mirrors.
func (t *Table) CredentialForDestination(destination string) (string, bool) {
	c, ok := t.byDestination[destination]
	return c, ok
}

// CredentialForName resolves a display name, case-insensitively.
func (t *Table) CredentialForName(name string) (string, bool) {
	c, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Credentials returns every credential, ordered by peer display name.
func (t *Table) Credentials() []string {
	return append([]string(nil), t.credentials...)
}

func (t *Table) Len() int { return len(t.peers) }
