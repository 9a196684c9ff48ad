package rwlock

import "github.com/gofrs/uuid"

// A Domain is a handle for one cooperative scheduler domain. Every lock binds
// to the domain of the first task that touches it and rejects tasks from any
// other domain, so two independent schedulers can never mutate the same lock.
type Domain struct {
	name string
}

// NewDomain creates a scheduler domain handle with the given name.
// The name appears in String output and error messages only.
func NewDomain(name string) *Domain {
	return &Domain{name: name}
}

func (d *Domain) String() string {
	if d == nil {
		return "<nil domain>"
	}
	return d.name
}

// NewTask mints an identity for a logical task running on this domain.
// Task identities are unique: two NewTask calls never compare equal.
func (d *Domain) NewTask() Task {
	return Task{id: uuid.Must(uuid.NewV4()), domain: d}
}

// A Task is the opaque, comparable identity of a logical task. The zero Task
// belongs to no domain and is rejected by every lock operation. A Task must be
// threaded through each acquire and release call so the lock can detect
// reentrancy, validate releases, and reject read-to-write upgrades.
type Task struct {
	id     uuid.UUID
	domain *Domain
}

// Domain returns the scheduler domain the task was created on.
func (t Task) Domain() *Domain {
	return t.domain
}

func (t Task) String() string {
	return "task:" + t.id.String()[:8]
}
