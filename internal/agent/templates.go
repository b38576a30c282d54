package agent

import (
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/spf13/afero"
)

//go:embed templates/*.md
var defaultTemplates embed.FS

const (
	// minTemplateChars rejects truncated or placeholder-only overrides.
	minTemplateChars = 100

	// overrideDir is where projects keep customized agent prompts.
	overrideDir = ".claude/agents"
)

// Templates resolves agent prompt templates. A project override under
// .claude/agents/ wins when it passes validation; otherwise the embedded
// default is used. Loaded templates are cached per file name.
type Templates struct {
	fs         afero.Fs
	projectDir string
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewTemplates returns a template loader rooted at projectDir. A nil fs
// means the real filesystem.
func NewTemplates(fs afero.Fs, projectDir string, logger *slog.Logger) *Templates {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Templates{
		fs:         fs,
		projectDir: projectDir,
		logger:     logger,
		cache:      make(map[string]string),
	}
}

// Load returns the prompt template for name with frontmatter stripped.
func (t *Templates) Load(name string) (string, error) {
	t.mu.Lock()
	if cached, ok := t.cache[name]; ok {
		t.mu.Unlock()
		return cached, nil
	}
	t.mu.Unlock()

	content, err := t.loadFromDisk(name)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.cache[name] = content
	t.mu.Unlock()
	return content, nil
}

func (t *Templates) loadFromDisk(name string) (string, error) {
	local := filepath.Join(t.projectDir, overrideDir, name)
	if data, err := afero.ReadFile(t.fs, local); err == nil {
		if vErr := validateTemplate(string(data)); vErr == nil {
			return stripFrontmatter(string(data)), nil
		} else {
			t.logger.Warn("custom prompt invalid, using default", "file", name, "reason", vErr)
		}
	}

	data, err := defaultTemplates.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("prompt template %s not found: %w", name, err)
	}
	return stripFrontmatter(string(data)), nil
}

// ClearCache drops all cached templates so the next Load re-reads disk.
func (t *Templates) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]string)
}

// validateTemplate checks that a custom prompt is usable: long enough to
// be a real prompt, and carrying the completion-signal instruction every
// agent run is judged by.
func validateTemplate(content string) error {
	if len(content) < minTemplateChars {
		return fmt.Errorf("shorter than %d chars", minTemplateChars)
	}
	if !strings.Contains(content, "EXIT_SIGNAL") {
		return fmt.Errorf("missing EXIT_SIGNAL instruction")
	}
	return nil
}

// stripFrontmatter removes a leading YAML frontmatter block. Frontmatter
// holds agent metadata (name, description) and must not reach the final
// prompt.
func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	end := strings.Index(content[3:], "---")
	if end == -1 {
		return content
	}
	return strings.TrimLeftFunc(content[end+6:], unicode.IsSpace)
}

// OverridePaths lists the project-relative locations of the template
// override files, whether or not they exist on disk.
func OverridePaths() []string {
	entries, err := defaultTemplates.ReadDir("templates")
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, filepath.ToSlash(filepath.Join(overrideDir, entry.Name())))
	}
	return paths
}

// WriteDefaults materializes the embedded templates under
// projectDir/.claude/agents so users can customize them. Existing files
// are never overwritten. Returns the relative paths written.
func WriteDefaults(fs afero.Fs, projectDir string) ([]string, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := filepath.Join(projectDir, overrideDir)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	entries, err := defaultTemplates.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded templates: %w", err)
	}

	var written []string
	for _, entry := range entries {
		dst := filepath.Join(dir, entry.Name())
		if exists, _ := afero.Exists(fs, dst); exists {
			continue
		}
		data, err := defaultTemplates.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", entry.Name(), err)
		}
		if err := afero.WriteFile(fs, dst, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", dst, err)
		}
		written = append(written, filepath.ToSlash(filepath.Join(overrideDir, entry.Name())))
	}
	return written, nil
}
