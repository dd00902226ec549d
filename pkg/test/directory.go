package test

import (
	"context"
	"errors"
	"sync"

	"github.com/inbucket/listgate/pkg/directory"
)

// ErrDirectoryDown is returned by DirectoryStub while failing.
var ErrDirectoryDown = errors.New("directory unavailable")

// DirectoryStub is an in-memory directory.Directory.
type DirectoryStub struct {
	mu      sync.Mutex
	groups  []directory.Group
	users   []directory.User
	members map[int][]directory.Member
	fail    bool
	calls   map[string]int
}

var _ directory.Directory = &DirectoryStub{}

// NewDirectory creates an empty DirectoryStub.
func NewDirectory() *DirectoryStub {
	return &DirectoryStub{
		members: make(map[int][]directory.Member),
		calls:   make(map[string]int),
	}
}

// AddGroup adds a group with the given full path. parentID may be zero.
func (d *DirectoryStub) AddGroup(id, parentID int, fullPath string) directory.Group {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := directory.Group{
		ID:       id,
		ParentID: parentID,
		Name:     fullPath,
		FullName: fullPath,
		FullPath: fullPath,
		WebURL:   "https://git.example.com/groups/" + fullPath,
	}
	d.groups = append(d.groups, g)
	return g
}

// SetParent changes the parent of a group, allowing cycles to be constructed.
func (d *DirectoryStub) SetParent(id, parentID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.groups {
		if d.groups[i].ID == id {
			d.groups[i].ParentID = parentID
		}
	}
}

// AddUser adds an active, non-admin user.
func (d *DirectoryStub) AddUser(id int, email string) {
	d.AddUserWith(directory.User{ID: id, Username: email, Email: email, Active: true})
}

// AddUserWith adds a fully specified user.
func (d *DirectoryStub) AddUserWith(u directory.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, u)
}

// AddMember makes the user a direct member of the group.
func (d *DirectoryStub) AddMember(groupID, userID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[groupID] = append(d.members[groupID], directory.Member{UserID: userID, AccessLevel: 30})
}

// SetFail causes every call to return ErrDirectoryDown.
func (d *DirectoryStub) SetFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

// Calls returns how often the named method was invoked.
func (d *DirectoryStub) Calls(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

// Groups implements directory.Directory.
func (d *DirectoryStub) Groups(ctx context.Context) ([]directory.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["Groups"]++
	if d.fail {
		return nil, ErrDirectoryDown
	}
	return append([]directory.Group(nil), d.groups...), nil
}

// Users implements directory.Directory.
func (d *DirectoryStub) Users(ctx context.Context) ([]directory.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["Users"]++
	if d.fail {
		return nil, ErrDirectoryDown
	}
	return append([]directory.User(nil), d.users...), nil
}

// Members implements directory.Directory.
func (d *DirectoryStub) Members(ctx context.Context, groupID int) ([]directory.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["Members"]++
	if d.fail {
		return nil, ErrDirectoryDown
	}
	return append([]directory.Member(nil), d.members[groupID]...), nil
}
