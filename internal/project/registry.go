package project

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
)

// maxSuggestions caps "did you mean" candidates for an unknown project.
const maxSuggestions = 3

// Registry defines the interface for project management
type Registry interface {
	core.ProjectResolver

	// ListProjects returns all registered projects
	ListProjects(ctx context.Context) ([]*Project, error)

	// GetProject retrieves a project by ID
	GetProject(ctx context.Context, id string) (*Project, error)

	// GetProjectByPath retrieves a project by its filesystem path
	GetProjectByPath(ctx context.Context, path string) (*Project, error)

	// AddProject registers a new project from the given path
	AddProject(ctx context.Context, path string, opts *AddProjectOptions) (*Project, error)

	// RemoveProject unregisters a project by ID
	RemoveProject(ctx context.Context, id string) error

	// UpdateProject updates project metadata
	UpdateProject(ctx context.Context, project *Project) error

	// ValidateProject checks if a project is still valid and accessible
	ValidateProject(ctx context.Context, id string) error

	// ValidateAll validates all registered projects and updates their status
	ValidateAll(ctx context.Context) error

	// GetDefaultProject returns the project used when none is named
	GetDefaultProject(ctx context.Context) (*Project, error)

	// SetDefaultProject sets the default project
	SetDefaultProject(ctx context.Context, id string) error

	// TouchProject updates the last accessed time for a project
	TouchProject(ctx context.Context, id string) error

	// Close releases any resources held by the registry
	Close() error
}

// FileRegistry implements Registry using a YAML file for persistence
type FileRegistry struct {
	configPath    string
	config        *RegistryConfig
	mu            sync.RWMutex
	logger        *slog.Logger
	autoSave      bool
	backupEnabled bool
	closed        bool
	removedIDs    map[string]struct{}
}

var _ Registry = (*FileRegistry)(nil)

// RegistryOption configures a FileRegistry
type RegistryOption func(*FileRegistry)

// WithLogger sets the logger for the registry
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *FileRegistry) {
		r.logger = logger
	}
}

// WithConfigPath sets a custom config path
func WithConfigPath(path string) RegistryOption {
	return func(r *FileRegistry) {
		r.configPath = path
	}
}

// WithAutoSave enables/disables automatic saving after modifications
func WithAutoSave(enabled bool) RegistryOption {
	return func(r *FileRegistry) {
		r.autoSave = enabled
	}
}

// WithBackup enables/disables backup before save
func WithBackup(enabled bool) RegistryOption {
	return func(r *FileRegistry) {
		r.backupEnabled = enabled
	}
}

// NewFileRegistry creates a new file-based project registry
func NewFileRegistry(opts ...RegistryOption) (*FileRegistry, error) {
	r := &FileRegistry{
		logger:        slog.Default(),
		autoSave:      true,
		backupEnabled: true,
		removedIDs:    make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.configPath == "" {
		path, err := DefaultRegistryPath()
		if err != nil {
			return nil, NewRegistryError("init", err)
		}
		r.configPath = path
	}

	if err := r.load(); err != nil {
		return nil, err
	}

	r.logger.Debug("project registry initialized",
		"config_path", r.configPath,
		"project_count", len(r.config.Projects))

	return r, nil
}

// DefaultRegistryPath returns the default registry file path
func DefaultRegistryPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "specflow", "projects.yaml"), nil
}

// load reads the registry from disk
func (r *FileRegistry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			r.config = &RegistryConfig{
				Version:  1,
				Projects: make([]*Project, 0),
			}
			return nil
		}
		return NewRegistryError("load", err)
	}

	var config RegistryConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return NewRegistryError("load", fmt.Errorf("%w: %v", ErrRegistryCorrupted, err))
	}
	if config.Projects == nil {
		config.Projects = make([]*Project, 0)
	}

	r.config = &config
	r.removedIDs = make(map[string]struct{})
	return nil
}

// save writes the registry to disk. Caller must hold the write lock.
func (r *FileRegistry) save() error {
	// Merge with disk to preserve changes from other processes (CLI, server)
	r.mergeFromDisk()

	if r.backupEnabled {
		if data, err := os.ReadFile(r.configPath); err == nil {
			_ = fsutil.AtomicWrite(r.configPath+".bak", data, 0o600)
		}
	}

	data, err := yaml.Marshal(r.config)
	if err != nil {
		return NewRegistryError("save", err)
	}
	if err := fsutil.AtomicWrite(r.configPath, data, 0o600); err != nil {
		return NewRegistryError("save", err)
	}
	return nil
}

// mergeFromDisk reads the registry file and merges any new projects added by other processes
func (r *FileRegistry) mergeFromDisk() {
	data, err := os.ReadFile(r.configPath)
	if err != nil {
		return
	}

	var diskConfig RegistryConfig
	if err := yaml.Unmarshal(data, &diskConfig); err != nil {
		return
	}

	currentProjects := make(map[string]*Project)
	for _, p := range r.config.Projects {
		currentProjects[p.ID] = p
	}

	for _, diskProject := range diskConfig.Projects {
		if _, removed := r.removedIDs[diskProject.ID]; removed {
			continue
		}
		if _, exists := currentProjects[diskProject.ID]; !exists {
			r.config.Projects = append(r.config.Projects, diskProject)
		}
	}

	if r.config.DefaultProject == "" && diskConfig.DefaultProject != "" {
		r.config.DefaultProject = diskConfig.DefaultProject
	}
}

// ListProjects returns all registered projects
func (r *FileRegistry) ListProjects(_ context.Context) ([]*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	projects := make([]*Project, len(r.config.Projects))
	for i, p := range r.config.Projects {
		projects[i] = p.Clone()
	}
	return projects, nil
}

// GetProject retrieves a project by ID
func (r *FileRegistry) GetProject(_ context.Context, id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	for _, p := range r.config.Projects {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return nil, ErrProjectNotFound
}

// GetProjectByPath retrieves a project by its filesystem path
func (r *FileRegistry) GetProjectByPath(_ context.Context, path string) (*Project, error) {
	cleanPath := filepath.Clean(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	for _, p := range r.config.Projects {
		if filepath.Clean(p.Path) == cleanPath {
			return p.Clone(), nil
		}
	}
	return nil, ErrProjectNotFound
}

// ResolvePath maps a project ID, name or registered path to its root.
// An unknown reference is a not_found error carrying close matches.
func (r *FileRegistry) ResolvePath(ctx context.Context, ref string) (string, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return "", ErrRegistryClosed
	}
	var match *Project
	for _, p := range r.config.Projects {
		if p.ID == ref || strings.EqualFold(p.Name, ref) || filepath.Clean(p.Path) == filepath.Clean(ref) {
			match = p
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		err := core.ErrNotFound("project", ref)
		if suggestions := r.Suggest(ref); len(suggestions) > 0 {
			err.Message = fmt.Sprintf("project %q not found; did you mean %s?", ref, strings.Join(suggestions, ", "))
			err = err.WithDetail("suggestions", suggestions)
		}
		return "", err
	}
	if !match.IsEnabled() {
		return "", core.ErrState(core.CodeInvalidState, fmt.Sprintf("project %s is disabled", match.ID))
	}
	_ = r.TouchProject(ctx, match.ID)
	return match.Path, nil
}

// Suggest returns the registered IDs and names closest to query, best first.
func (r *FileRegistry) Suggest(query string) []string {
	r.mu.RLock()
	candidates := make([]string, 0, 2*len(r.config.Projects))
	for _, p := range r.config.Projects {
		candidates = append(candidates, p.ID, p.Name)
	}
	r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, m := range fuzzy.Find(query, candidates) {
		if seen[m.Str] {
			continue
		}
		seen[m.Str] = true
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// AddProject registers a new project from the given path
func (r *FileRegistry) AddProject(_ context.Context, path string, opts *AddProjectOptions) (*Project, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, NewRegistryError("add", fmt.Errorf("%w: %v", ErrInvalidPath, err))
	}
	absPath = filepath.Clean(absPath)

	if err := ValidateProjectPath(absPath); err != nil {
		return nil, NewRegistryError("add", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	for _, p := range r.config.Projects {
		if filepath.Clean(p.Path) == absPath {
			return nil, ErrProjectAlreadyExists
		}
	}

	id := generateProjectID()
	name := ""
	if opts != nil {
		name = opts.Name
	}
	if name == "" {
		name = generateProjectName(absPath)
	}

	status, statusMsg := inspectArtifacts(absPath)
	now := time.Now()
	project := &Project{
		ID:            id,
		Path:          absPath,
		Name:          name,
		LastAccessed:  now,
		Status:        status,
		StatusMessage: statusMsg,
		CreatedAt:     now,
	}

	r.config.Projects = append(r.config.Projects, project)

	// First project becomes the default
	if r.config.DefaultProject == "" {
		r.config.DefaultProject = id
	}

	if r.autoSave {
		if err := r.save(); err != nil {
			r.config.Projects = r.config.Projects[:len(r.config.Projects)-1]
			return nil, err
		}
	}

	r.logger.Info("project registered",
		"id", id,
		"name", name,
		"path", absPath,
		"status", status)

	return project.Clone(), nil
}

// RemoveProject unregisters a project by ID
func (r *FileRegistry) RemoveProject(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	index := -1
	prevDefault := r.config.DefaultProject
	for i, p := range r.config.Projects {
		if p.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return ErrProjectNotFound
	}

	removedProject := r.config.Projects[index]
	r.config.Projects = append(r.config.Projects[:index], r.config.Projects[index+1:]...)
	r.removedIDs[id] = struct{}{}

	if r.config.DefaultProject == id {
		if len(r.config.Projects) > 0 {
			r.config.DefaultProject = r.config.Projects[0].ID
		} else {
			r.config.DefaultProject = ""
		}
	}

	if r.autoSave {
		if err := r.save(); err != nil {
			// Rollback
			r.config.Projects = append(r.config.Projects[:index],
				append([]*Project{removedProject}, r.config.Projects[index:]...)...)
			r.config.DefaultProject = prevDefault
			delete(r.removedIDs, id)
			return err
		}
		delete(r.removedIDs, id)
	}

	r.logger.Info("project removed", "id", id, "name", removedProject.Name)
	return nil
}

// UpdateProject updates project metadata
func (r *FileRegistry) UpdateProject(_ context.Context, project *Project) error {
	if project == nil || project.ID == "" {
		return NewRegistryError("update", fmt.Errorf("invalid project"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	for i, p := range r.config.Projects {
		if p.ID == project.ID {
			r.config.Projects[i] = project.Clone()
			if r.autoSave {
				return r.save()
			}
			return nil
		}
	}
	return ErrProjectNotFound
}

// ValidateProject checks if a project is still valid and accessible
func (r *FileRegistry) ValidateProject(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	var project *Project
	for _, p := range r.config.Projects {
		if p.ID == id {
			project = p
			break
		}
	}
	if project == nil {
		return ErrProjectNotFound
	}

	var verr error
	info, err := os.Stat(project.Path)
	switch {
	case err != nil:
		project.Status = StatusOffline
		if os.IsNotExist(err) {
			project.StatusMessage = "Project directory not found"
		} else if os.IsPermission(err) {
			project.StatusMessage = "Permission denied accessing project directory"
		} else {
			project.StatusMessage = fmt.Sprintf("Cannot access project directory: %v", err)
		}
		verr = NewValidationError(id, project.Path, project.StatusMessage, err)
	case !info.IsDir():
		project.Status = StatusOffline
		project.StatusMessage = "Path is not a directory"
		verr = NewValidationError(id, project.Path, project.StatusMessage, nil)
	default:
		// Degraded is not an error, just a warning
		project.Status, project.StatusMessage = inspectArtifacts(project.Path)
	}

	if r.autoSave {
		_ = r.save()
	}
	return verr
}

// ValidateAll validates all registered projects and updates their status
func (r *FileRegistry) ValidateAll(ctx context.Context) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRegistryClosed
	}
	ids := make([]string, len(r.config.Projects))
	for i, p := range r.config.Projects {
		ids[i] = p.ID
	}
	r.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := r.ValidateProject(ctx, id); err != nil {
			lastErr = err
			r.logger.Warn("project validation failed", "id", id, "error", err)
		}
	}
	return lastErr
}

// GetDefaultProject returns the project used when none is named
func (r *FileRegistry) GetDefaultProject(_ context.Context) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	for _, p := range r.config.Projects {
		if p.ID == r.config.DefaultProject {
			return p.Clone(), nil
		}
	}
	// No default, or it no longer exists: fall back to the first project
	if len(r.config.Projects) > 0 {
		return r.config.Projects[0].Clone(), nil
	}
	return nil, ErrNoDefaultProject
}

// SetDefaultProject sets the default project
func (r *FileRegistry) SetDefaultProject(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	found := false
	for _, p := range r.config.Projects {
		if p.ID == id {
			found = true
			break
		}
	}
	if !found {
		return ErrProjectNotFound
	}

	r.config.DefaultProject = id
	if r.autoSave {
		return r.save()
	}
	return nil
}

// TouchProject updates the last accessed time for a project
func (r *FileRegistry) TouchProject(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	for _, p := range r.config.Projects {
		if p.ID == id {
			p.LastAccessed = time.Now()
			if r.autoSave {
				return r.save()
			}
			return nil
		}
	}
	return ErrProjectNotFound
}

// Close releases any resources held by the registry
func (r *FileRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.save()
}

// Reload reloads the registry from disk
func (r *FileRegistry) Reload() error {
	return r.load()
}

// Count returns the number of registered projects
func (r *FileRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.config.Projects)
}

// ValidateProjectPath checks that a path is absolute, clean and an accessible directory.
func ValidateProjectPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: path must be absolute", ErrInvalidPath)
	}

	cleanPath := filepath.Clean(path)
	if cleanPath != path {
		return fmt.Errorf("%w: path contains invalid sequences", ErrInvalidPath)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist", ErrInvalidPath, path)
		}
		return fmt.Errorf("%w: %v", ErrProjectOffline, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}
	return nil
}

// inspectArtifacts reports a project as degraded until it has spec artifacts.
func inspectArtifacts(root string) (ProjectStatus, string) {
	for _, marker := range []string{"specs", "spec.md", "tasks.md", ".specify"} {
		if _, err := os.Stat(filepath.Join(root, marker)); err == nil {
			return StatusHealthy, ""
		}
	}
	return StatusDegraded, "No spec artifacts found"
}

// generateProjectID creates a cryptographically random project ID
func generateProjectID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("proj-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("proj-%s", hex.EncodeToString(b)[:12])
}

// generateProjectName creates a human-readable name from a path
func generateProjectName(path string) string {
	name := filepath.Base(path)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return name
}
