// Package directory describes the group hierarchy and user accounts that distribution lists are
// resolved against.
package directory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/inbucket/listgate/pkg/cache"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/rs/zerolog/log"
)

// Group is a node in the group hierarchy.
type Group struct {
	ID       int    `json:"id"`
	ParentID int    `json:"parent_id"` // Zero for top-level groups.
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	FullPath string `json:"full_path"`
	WebURL   string `json:"web_url"`
}

// LocalPart returns the distribution address local part derived from the full path.
func (g Group) LocalPart() string {
	return stringutil.GroupLocalPart(g.FullPath)
}

// User is a directory account.
type User struct {
	ID       int
	Username string
	Name     string
	Email    string
	Active   bool
	Admin    bool
}

// Member is a direct membership of a user in a group.
type Member struct {
	UserID      int
	Username    string
	AccessLevel int
}

// Directory is the source of groups, users and memberships.
type Directory interface {
	Groups(ctx context.Context) ([]Group, error)
	Users(ctx context.Context) ([]User, error)
	// Members returns the direct members of a group.
	Members(ctx context.Context, groupID int) ([]Member, error)
}

// Cached memoizes every Directory call for the configured TTL.
type Cached struct {
	groups  *cache.Memo[[]Group]
	users   *cache.Memo[[]User]
	members *cache.Keyed[int, []Member]
}

var _ Directory = &Cached{}

// NewCached wraps dir.
func NewCached(dir Directory, ttl time.Duration) *Cached {
	return &Cached{
		groups:  cache.NewMemo("groups", ttl, dir.Groups),
		users:   cache.NewMemo("users", ttl, dir.Users),
		members: cache.NewKeyed("members", ttl, dir.Members),
	}
}

// Groups implements Directory.
func (c *Cached) Groups(ctx context.Context) ([]Group, error) {
	return c.groups.Get(ctx)
}

// Users implements Directory.
func (c *Cached) Users(ctx context.Context) ([]User, error) {
	return c.users.Get(ctx)
}

// Members implements Directory.
func (c *Cached) Members(ctx context.Context, groupID int) ([]Member, error) {
	return c.members.Get(ctx, groupID)
}

// Flush forces every cached value to be refetched on next use.
func (c *Cached) Flush() {
	c.groups.Flush()
	c.users.Flush()
	c.members.Flush()
	log.Info().Str("module", "directory").Msg("Directory caches flushed")
}

// Snapshot is a consistent, indexed view of the hierarchy used for a single resolution pass.
// Member lists are still fetched lazily through the Directory.
type Snapshot struct {
	dir         Directory
	groups      map[int]Group
	byLocalPart map[string]int
	children    map[int][]int
	users       map[int]User
	byEmail     map[string]User
}

// NewSnapshot captures the current groups and users of dir.
func NewSnapshot(ctx context.Context, dir Directory) (*Snapshot, error) {
	groups, err := dir.Groups(ctx)
	if err != nil {
		return nil, err
	}
	users, err := dir.Users(ctx)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		dir:         dir,
		groups:      make(map[int]Group, len(groups)),
		byLocalPart: make(map[string]int, len(groups)),
		children:    make(map[int][]int),
		users:       make(map[int]User, len(users)),
		byEmail:     make(map[string]User, len(users)),
	}
	for _, g := range groups {
		s.groups[g.ID] = g
		s.byLocalPart[g.LocalPart()] = g.ID
		if g.ParentID != 0 {
			s.children[g.ParentID] = append(s.children[g.ParentID], g.ID)
		}
	}
	for _, u := range users {
		s.users[u.ID] = u
		if u.Email != "" {
			s.byEmail[strings.ToLower(u.Email)] = u
		}
	}
	return s, nil
}

// GroupByLocalPart finds the group whose distribution address has the given local part.
func (s *Snapshot) GroupByLocalPart(localPart string) (Group, bool) {
	id, ok := s.byLocalPart[strings.ToLower(localPart)]
	if !ok {
		return Group{}, false
	}
	return s.groups[id], true
}

// Groups returns every group, ordered by full path.
func (s *Snapshot) Groups() []Group {
	result := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		result = append(result, g)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FullPath < result[j].FullPath
	})
	return result
}

// Lineage returns the group followed by its ancestors, nearest first. Cycles in parent links
// terminate the walk.
func (s *Snapshot) Lineage(groupID int) []Group {
	var result []Group
	visited := make(map[int]bool)
	for id := groupID; id != 0 && !visited[id]; {
		visited[id] = true
		g, ok := s.groups[id]
		if !ok {
			break
		}
		result = append(result, g)
		id = g.ParentID
	}
	return result
}

// Subtree returns the group and all of its descendants, each exactly once.
func (s *Snapshot) Subtree(groupID int) []Group {
	var result []Group
	visited := make(map[int]bool)
	queue := []int{groupID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if g, ok := s.groups[id]; ok {
			result = append(result, g)
		}
		queue = append(queue, s.children[id]...)
	}
	return result
}

// User returns the active user with the given email.
func (s *Snapshot) User(email string) (User, bool) {
	u, ok := s.byEmail[stringutil.CanonicalAddress(email)]
	if !ok || !u.Active {
		return User{}, false
	}
	return u, true
}

// ActiveEmails returns the address of every active user.
func (s *Snapshot) ActiveEmails() stringutil.Set {
	result := make(stringutil.Set, len(s.byEmail))
	for email, u := range s.byEmail {
		if u.Active {
			result.Add(email)
		}
	}
	return result
}

// MemberEmails returns the addresses of the active direct members of a group.
func (s *Snapshot) MemberEmails(ctx context.Context, groupID int) (stringutil.Set, error) {
	members, err := s.dir.Members(ctx, groupID)
	if err != nil {
		return nil, err
	}
	result := make(stringutil.Set, len(members))
	for _, m := range members {
		u, ok := s.users[m.UserID]
		if !ok || !u.Active || u.Email == "" {
			continue
		}
		result.Add(strings.ToLower(u.Email))
	}
	return result, nil
}

// ExpandEmails returns the active members of the group and all of its descendants.
func (s *Snapshot) ExpandEmails(ctx context.Context, groupID int) (stringutil.Set, error) {
	result := make(stringutil.Set)
	for _, g := range s.Subtree(groupID) {
		emails, err := s.MemberEmails(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		result.AddSet(emails)
	}
	return result, nil
}

// InLineage reports whether email is a direct member of the group or one of its ancestors.
func (s *Snapshot) InLineage(ctx context.Context, groupID int, email string) (bool, error) {
	email = stringutil.CanonicalAddress(email)
	for _, g := range s.Lineage(groupID) {
		emails, err := s.MemberEmails(ctx, g.ID)
		if err != nil {
			return false, err
		}
		if emails.Has(email) {
			return true, nil
		}
	}
	return false, nil
}
