package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNotFound is returned when a project or instance does not exist.
var ErrNotFound = errors.New("not found")

// stateFile is the on-disk shape of the store.
type stateFile struct {
	Projects []*Project `json:"projects"`
}

// FileStore is the default Store backed by a single JSON file. Writes are
// atomic (temp file + rename) so a crashed daemon never leaves a torn file.
type FileStore struct {
	path string

	mu       sync.RWMutex
	projects map[string]*Project
	channels map[string]Route // channelID -> route, runtime + seeded from instance defaults
}

// NewFileStore loads (or initializes) the store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		projects: make(map[string]*Project),
		channels: make(map[string]Route),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file. A missing file yields an empty store.
// Runtime channel mappings survive a reload only if their target instance
// still exists; instance default channels are re-seeded from the file.
func (s *FileStore) Reload() error {
	var sf stateFile
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// first run
	case err != nil:
		return fmt.Errorf("read state file: %w", err)
	default:
		if err := json.Unmarshal(data, &sf); err != nil {
			return fmt.Errorf("parse state file %s: %w", s.path, err)
		}
	}

	projects := make(map[string]*Project, len(sf.Projects))
	for _, p := range sf.Projects {
		if p.Name == "" {
			continue
		}
		if p.Instances == nil {
			p.Instances = make(map[string]*Instance)
		}
		for id, inst := range p.Instances {
			if inst.ID == "" {
				inst.ID = id
			}
		}
		projects[p.Name] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.channels
	s.projects = projects
	s.channels = make(map[string]Route)
	for _, p := range projects {
		for _, inst := range p.Instances {
			if inst.ChannelID != "" {
				s.channels[inst.ChannelID] = Route{ProjectName: p.Name, InstanceID: inst.ID}
			}
		}
	}
	for ch, r := range old {
		if _, ok := s.channels[ch]; ok {
			continue
		}
		if p, ok := projects[r.ProjectName]; ok && p.Instance(r.InstanceID) != nil {
			s.channels[ch] = r
		}
	}

	slog.Info("state reloaded", "path", s.path, "projects", len(projects))
	return nil
}

// Save writes the store back to disk atomically.
func (s *FileStore) Save() error {
	s.mu.RLock()
	sf := stateFile{Projects: make([]*Project, 0, len(s.projects))}
	for _, p := range s.projects {
		sf.Projects = append(sf.Projects, p.Clone())
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Projects returns snapshots of all projects.
func (s *FileStore) Projects() []*Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	return out
}

// Project returns a snapshot of one project.
func (s *FileStore) Project(name string) (*Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[name]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// AddProject inserts or replaces a project record and persists.
func (s *FileStore) AddProject(p *Project) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("add project: empty name")
	}
	s.mu.Lock()
	if p.Instances == nil {
		p.Instances = make(map[string]*Instance)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.projects[p.Name] = p.Clone()
	for _, inst := range p.Instances {
		if inst.ChannelID != "" {
			s.channels[inst.ChannelID] = Route{ProjectName: p.Name, InstanceID: inst.ID}
		}
	}
	s.mu.Unlock()
	return s.Save()
}

// InstanceForChannel resolves the channel mapping.
func (s *FileStore) InstanceForChannel(channelID string) (*Project, *Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.channels[channelID]
	if !ok {
		return nil, nil, false
	}
	p, ok := s.projects[r.ProjectName]
	if !ok {
		return nil, nil, false
	}
	inst := p.Instance(r.InstanceID)
	if inst == nil {
		return nil, nil, false
	}
	c := *inst
	return p.Clone(), &c, true
}

// MapChannel binds a channel to an instance.
func (s *FileStore) MapChannel(channelID, projectName, instanceID string) {
	if channelID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channelID] = Route{ProjectName: projectName, InstanceID: instanceID}
}

// UnmapChannel removes a channel binding.
func (s *FileStore) UnmapChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
}

// PrimaryInstance returns the primary instance for an agent type, falling
// back to a sole instance of that type.
func (s *FileStore) PrimaryInstance(projectName, agentType string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectName]
	if !ok {
		return nil, false
	}
	var sole *Instance
	count := 0
	for _, inst := range p.Instances {
		if inst.AgentType != agentType {
			continue
		}
		if inst.Primary {
			c := *inst
			return &c, true
		}
		sole = inst
		count++
	}
	if count == 1 {
		c := *sole
		return &c, true
	}
	return nil, false
}

// RemoveInstance deletes an instance and persists. A project with zero
// instances left is removed.
func (s *FileStore) RemoveInstance(projectName, instanceID string) error {
	s.mu.Lock()
	p, ok := s.projects[projectName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("project %q: %w", projectName, ErrNotFound)
	}
	if p.Instance(instanceID) == nil {
		s.mu.Unlock()
		return fmt.Errorf("instance %q/%q: %w", projectName, instanceID, ErrNotFound)
	}
	delete(p.Instances, instanceID)
	if len(p.Instances) == 0 {
		delete(s.projects, projectName)
	}
	for ch, r := range s.channels {
		if r.ProjectName == projectName && r.InstanceID == instanceID {
			delete(s.channels, ch)
		}
	}
	s.mu.Unlock()
	return s.Save()
}

// TouchProject updates the project's last-active timestamp and persists.
func (s *FileStore) TouchProject(name string) {
	s.mu.Lock()
	p, ok := s.projects[name]
	if ok {
		p.LastActive = time.Now()
	}
	s.mu.Unlock()
	if ok {
		if err := s.Save(); err != nil {
			slog.Warn("persist last-active failed", "project", name, "error", err)
		}
	}
}

// Watch reloads the store when the backing file changes on disk, e.g. when
// the CLI adds a project while the daemon is running. Blocks until done is
// closed. Events are debounced because editors and atomic renames fire
// several events per save.
func (s *FileStore) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create state watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic renames replace the file inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch state dir: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := make(chan struct{}, 1)
	for {
		select {
		case <-done:
			return nil
		case <-reload:
			if err := s.Reload(); err != nil {
				slog.Warn("state auto-reload failed", "error", err)
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("state watcher error", "error", err)
		}
	}
}
