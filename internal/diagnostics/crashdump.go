package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/fsutil"
)

// DefaultMaxFiles is how many dumps are kept per directory.
const DefaultMaxFiles = 10

// CrashDump contains all information captured during a crash.
type CrashDump struct {
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`

	PanicValue string `json:"panic_value"`
	StackTrace string `json:"stack_trace,omitempty"`

	Resources ResourceSnapshot `json:"resources"`
	Context   DumpContext      `json:"context"`

	// Environment (redacted)
	RedactedEnv map[string]string `json:"redacted_env,omitempty"`
}

// ResourceSnapshot is the process resource usage at crash time.
type ResourceSnapshot struct {
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	RSSMB       float64 `json:"rss_mb,omitempty"`
	OpenFiles   int     `json:"open_files,omitempty"`
}

// DumpContext identifies the work that was being evaluated.
type DumpContext struct {
	ExecutionID string `json:"execution_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Step        string `json:"step,omitempty"`
	Batch       int    `json:"batch,omitempty"`
}

// CrashDumpWriter handles crash dump generation and persistence.
type CrashDumpWriter struct {
	dir        string
	maxFiles   int
	includeEnv bool
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex // Protects file operations
}

// Option configures a CrashDumpWriter.
type Option func(*CrashDumpWriter)

// WithMaxFiles sets how many dumps are retained.
func WithMaxFiles(n int) Option {
	return func(w *CrashDumpWriter) {
		if n > 0 {
			w.maxFiles = n
		}
	}
}

// WithEnvironment includes the redacted process environment in dumps.
func WithEnvironment(include bool) Option {
	return func(w *CrashDumpWriter) {
		w.includeEnv = include
	}
}

// WithLogger sets the logger used for cleanup warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(w *CrashDumpWriter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewCrashDumpWriter creates a crash dump writer for dir.
func NewCrashDumpWriter(dir string, opts ...Option) *CrashDumpWriter {
	w := &CrashDumpWriter{
		dir:      dir,
		maxFiles: DefaultMaxFiles,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the dump directory.
func (w *CrashDumpWriter) Dir() string {
	return w.dir
}

// Write generates and persists a crash dump, returning its path.
func (w *CrashDumpWriter) Write(panicValue interface{}, dc DumpContext) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump := CrashDump{
		Timestamp:  w.now().UTC(),
		ProcessID:  os.Getpid(),
		GoVersion:  runtime.Version(),
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		PanicValue: fmt.Sprintf("%v", panicValue),
		StackTrace: string(debug.Stack()),
		Resources:  TakeSnapshot(),
		Context:    dc,
	}
	if w.includeEnv {
		dump.RedactedEnv = redactEnvironment()
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating crash dump dir: %w", err)
	}

	name := fmt.Sprintf("crash-%s", dump.Timestamp.Format("2006-01-02T15-04-05.000"))
	if dc.ExecutionID != "" {
		name += "-" + dc.ExecutionID
	}
	path := filepath.Join(w.dir, name+".json")

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash dump: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}

	w.cleanupOldDumps()
	return path, nil
}

// TakeSnapshot samples the resource usage of the current process.
func TakeSnapshot() ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := ResourceSnapshot{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
	}

	proc, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 -- pid fits in int32
	if err != nil {
		return snap
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := proc.NumFDs(); err == nil {
		snap.OpenFiles = int(n)
	}
	return snap
}

// cleanupOldDumps removes crash dumps exceeding maxFiles, oldest first.
func (w *CrashDumpWriter) cleanupOldDumps() {
	dumps, err := listDumps(w.dir)
	if err != nil {
		return
	}
	for len(dumps) > w.maxFiles {
		path := filepath.Join(w.dir, dumps[0].Name())
		if err := os.Remove(path); err != nil {
			w.logger.Warn("failed to remove old crash dump", "path", path, "error", err)
		}
		dumps = dumps[1:]
	}
}

// listDumps returns the crash dump entries of dir, oldest first.
func listDumps(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dumps []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			dumps = append(dumps, e)
		}
	}
	// Names start with a sortable timestamp.
	sort.Slice(dumps, func(i, j int) bool { return dumps[i].Name() < dumps[j].Name() })
	return dumps, nil
}

var sensitiveSubstrings = []string{
	"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
	"AUTH", "PRIVATE",
}

func redactEnvironment() map[string]string {
	result := make(map[string]string)
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(key)
		for _, s := range sensitiveSubstrings {
			if strings.Contains(upper, s) {
				value = "[REDACTED]"
				break
			}
		}
		result[key] = value
	}
	return result
}

// LoadLatestCrashDump loads the most recent crash dump from the directory.
func LoadLatestCrashDump(dir string) (*CrashDump, error) {
	dumps, err := listDumps(dir)
	if err != nil {
		return nil, fmt.Errorf("reading crash dump dir: %w", err)
	}
	if len(dumps) == 0 {
		return nil, fmt.Errorf("no crash dumps found")
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening crash dump dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	data, err := root.ReadFile(dumps[len(dumps)-1].Name())
	if err != nil {
		return nil, fmt.Errorf("reading crash dump: %w", err)
	}

	var dump CrashDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parsing crash dump: %w", err)
	}
	return &dump, nil
}
