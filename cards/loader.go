package cards

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/types"
)

// LoadError describes one card file that was rejected.
type LoadError struct {
	Path string
	ID   string
	Err  error
}

func (e LoadError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s (%s): %v", e.Path, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// LoadReport summarizes a directory load.
type LoadReport struct {
	Root   string
	Loaded int
	Errors []LoadError
}

// OK reports whether every file loaded.
func (r *LoadReport) OK() bool { return len(r.Errors) == 0 }

// Loader reads card files from a directory tree.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a card loader.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.With(zap.String("component", "card_loader"))}
}

// Load walks root recursively and builds a baseline registry from every
// .yaml, .yml and .json file. A rejected card is recorded in the report and
// does not affect unrelated cards. The returned error is non-nil only when
// root itself cannot be walked.
func (l *Loader) Load(root string) (*Registry, *LoadReport, error) {
	report := &LoadReport{Root: root}
	reg := emptyRegistry()
	if root == "" {
		return reg, report, nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, report, fmt.Errorf("stat registry root: %w", err)
	}
	if !info.IsDir() {
		return nil, report, fmt.Errorf("registry root %s is not a directory", root)
	}

	paths := make(map[Key]string)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			report.Errors = append(report.Errors, LoadError{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isCardFile(path) {
			return nil
		}

		card, err := l.loadFile(path)
		if err != nil {
			report.Errors = append(report.Errors, LoadError{Path: path, ID: refOf(err), Err: err})
			l.logger.Warn("card rejected", zap.String("path", path), zap.Error(err))
			return nil
		}

		key := Key{Kind: card.Kind(), ID: card.CardID()}
		if prev, dup := paths[key]; dup {
			dupErr := types.NewValidationError(key.ID, "duplicate %s card id, first defined in %s", key.Kind, prev)
			report.Errors = append(report.Errors, LoadError{Path: path, ID: key.ID, Err: dupErr})
			l.logger.Warn("duplicate card id", zap.String("path", path), zap.String("id", key.ID))
			return nil
		}
		paths[key] = path
		reg.cards[key] = card
		report.Loaded++
		return nil
	})
	if walkErr != nil {
		return nil, report, fmt.Errorf("walk registry root: %w", walkErr)
	}

	l.logger.Info("registry loaded",
		zap.String("root", root),
		zap.Int("loaded", report.Loaded),
		zap.Int("rejected", len(report.Errors)))
	return reg, report, nil
}

func (l *Loader) loadFile(path string) (Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func isCardFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

func refOf(err error) string {
	if e, ok := types.AsError(err); ok {
		return e.Ref
	}
	return ""
}
