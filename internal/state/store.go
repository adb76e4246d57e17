package state

// Route identifies the instance bound to a channel.
type Route struct {
	ProjectName string
	InstanceID  string
}

// Store is the persistence port for projects and instances. Implementations
// must be safe for concurrent use; the runtime never persists anything
// besides what goes through this interface.
type Store interface {
	// Projects returns snapshots of all known projects.
	Projects() []*Project

	// Project returns a snapshot of one project.
	Project(name string) (*Project, bool)

	// InstanceForChannel resolves the channel mapping.
	InstanceForChannel(channelID string) (*Project, *Instance, bool)

	// MapChannel binds a channel to an instance. Many channels may map to
	// the same instance.
	MapChannel(channelID, projectName, instanceID string)

	// UnmapChannel removes a channel binding.
	UnmapChannel(channelID string)

	// PrimaryInstance returns the primary instance for an agent type within
	// a project, falling back to the only instance of that type.
	PrimaryInstance(projectName, agentType string) (*Instance, bool)

	// RemoveInstance deletes an instance; a project left with zero
	// instances is removed entirely.
	RemoveInstance(projectName, instanceID string) error

	// TouchProject updates the project's last-active timestamp.
	TouchProject(name string)

	// Reload re-reads the backing state atomically.
	Reload() error
}
