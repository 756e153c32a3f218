package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ruleDocument is the on-disk YAML layout for a tenant rule file.
type ruleDocument struct {
	TenantID   string           `yaml:"tenant_id"`
	Rules      []*PolicyRule    `yaml:"rules"`
	Detections []*DetectionRule `yaml:"detections"`
}

// FileSource loads tenant rules from YAML files on disk.
// The path can be a single file or a directory; directories load every
// .yaml and .yml file. Each file declares one tenant's rules.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a file-based rule provider.
func NewFileSource(path string) *FileSource {
	return &FileSource{
		path:   path,
		logger: slog.Default().With("component", "rules.source"),
	}
}

// LoadRules implements Provider. Files that fail validation are rejected
// whole: a tenant never gets a partially valid rule set.
func (s *FileSource) LoadRules(ctx context.Context, tenantID string) ([]*PolicyRule, []*DetectionRule, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	var policyRules []*PolicyRule
	var detections []*DetectionRule
	found := false
	for _, doc := range docs {
		if doc.TenantID != tenantID {
			continue
		}
		found = true
		policyRules = append(policyRules, doc.Rules...)
		detections = append(detections, doc.Detections...)
	}
	if !found {
		return nil, nil, fmt.Errorf("load rules for tenant %q: %w", tenantID, ErrTenantNotFound)
	}

	return policyRules, detections, nil
}

// Tenants returns the tenant IDs present in the source.
func (s *FileSource) Tenants(ctx context.Context) ([]string, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	seen := make(map[string]bool)
	for _, doc := range docs {
		if !seen[doc.TenantID] {
			seen[doc.TenantID] = true
			ids = append(ids, doc.TenantID)
		}
	}
	return ids, nil
}

func (s *FileSource) loadAll(ctx context.Context) ([]*ruleDocument, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rule path %q: %w", s.path, err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(s.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule directory %q: %w", s.path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(s.path, entry.Name()))
			}
		}
	} else {
		files = []string{s.path}
	}

	var docs []*ruleDocument
	for _, file := range files {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		doc, err := s.loadFile(file)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

func (s *FileSource) loadFile(path string) (*ruleDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %q: %w", path, err)
	}

	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %q: %w", path, err)
	}
	if doc.TenantID == "" {
		return nil, fmt.Errorf("rule file %q: tenant_id is required", path)
	}

	// Write-time validation: an invalid rule rejects the whole file,
	// so the evaluation path never sees a bad pattern or config.
	for _, r := range doc.Rules {
		if r.TenantID == "" {
			r.TenantID = doc.TenantID
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule file %q: %w", path, err)
		}
	}
	for _, d := range doc.Detections {
		if d.TenantID == "" {
			d.TenantID = doc.TenantID
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("rule file %q: %w", path, err)
		}
	}

	return &doc, nil
}

// Watcher refreshes store snapshots when rule files change on disk.
type Watcher struct {
	source  *FileSource
	store   *Store
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a file watcher that drives store refreshes.
func NewWatcher(source *FileSource, store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := fsw.Add(source.path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch rule path %q: %w", source.path, err)
	}

	return &Watcher{
		source:  source,
		store:   store,
		watcher: fsw,
		logger:  slog.Default().With("component", "rules.watcher"),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					w.handleChange(ctx, ev)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("rule watcher error", "error", err)
			}
		}
	}()
}

// handleChange refreshes every tenant present in the source. Rule files
// are small and changes are rare, so a full refresh keeps the logic
// simple and the swap atomic per tenant.
func (w *Watcher) handleChange(ctx context.Context, ev fsnotify.Event) {
	w.logger.Info("rule file changed", "op", ev.Op.String(), "path", ev.Name)

	tenants, err := w.source.Tenants(ctx)
	if err != nil {
		w.logger.Error("failed to enumerate tenants after rule change", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if _, err := w.store.Refresh(ctx, tenantID); err != nil {
			w.logger.Error("failed to refresh rule snapshot",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}
}

// Close stops the watcher and waits for the background goroutine.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
