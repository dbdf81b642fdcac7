package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirName is the per-project state directory.
const DirName = ".workgate"

// DBPathEnv overrides database discovery. Tests use it for isolation.
const DBPathEnv = "WG_DB_PATH"

// memoryPath opens a throwaway in-memory store
const memoryPath = ":memory:"

// Project is one tracker: the directory holding .workgate/ and its database.
type Project struct {
	Root   string // directory containing .workgate/, "" for in-memory stores
	DBPath string
}

// InMemory reports whether the project has no backing file.
func (p *Project) InMemory() bool {
	return p.DBPath == memoryPath
}

// StateDir returns <root>/.workgate.
func (p *Project) StateDir() string {
	return filepath.Join(p.Root, DirName)
}

// Contains reports whether dir is the project root or below it.
func (p *Project) Contains(dir string) bool {
	if p.InMemory() {
		return true
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	root := filepath.Clean(p.Root)
	return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
}

// Locate resolves the project for a command: an explicit database path wins,
// then $WG_DB_PATH, then a .workgate/*.db in the working directory. Parent
// directories are not searched, so a project nested inside another never
// picks up the outer database.
func Locate(explicit string) (*Project, error) {
	if explicit == "" {
		explicit = os.Getenv(DBPathEnv)
	}
	if explicit != "" {
		return FromDBPath(explicit)
	}

	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	dbPath, err := findInDir(dir)
	if err != nil {
		return nil, err
	}
	return &Project{Root: dir, DBPath: dbPath}, nil
}

// FromDBPath derives the project from a database path, which must live
// directly inside a .workgate/ directory.
func FromDBPath(dbPath string) (*Project, error) {
	if dbPath == memoryPath {
		return &Project{DBPath: memoryPath}, nil
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	stateDir := filepath.Dir(abs)
	if filepath.Base(stateDir) != DirName {
		return nil, fmt.Errorf("database must be in a %s/ directory, got: %s", DirName, dbPath)
	}
	return &Project{Root: filepath.Dir(stateDir), DBPath: abs}, nil
}

// findInDir returns the first .workgate/*.db in dir, by name.
func findInDir(dir string) (string, error) {
	matches, _ := filepath.Glob(filepath.Join(dir, DirName, "*.db"))
	sort.Strings(matches)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			return filepath.Abs(m)
		}
	}
	return "", fmt.Errorf("no %s/*.db found in %s\n"+
		"  Run 'wg init' to create a tracker here, or pass --db", DirName, dir)
}

// Init creates <dir>/.workgate and returns the project whose database will be
// created on first open. It refuses to overwrite an existing database.
func Init(dir, name string) (*Project, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project directory does not exist: %s", dir)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if name == "" {
		name = filepath.Base(root)
	}
	name = strings.TrimSuffix(name, ".db") + ".db"

	p := &Project{Root: root, DBPath: filepath.Join(root, DirName, name)}
	if err := os.MkdirAll(p.StateDir(), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", DirName, err)
	}
	if _, err := os.Stat(p.DBPath); err == nil {
		return nil, fmt.Errorf("database already exists: %s", p.DBPath)
	}
	return p, nil
}
