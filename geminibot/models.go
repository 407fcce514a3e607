package geminibot

import (
	_ "embed"
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// modelIDPrefix is the resource prefix the Gemini API uses for model names,
// ex: "models/gemini-2.0-flash"
const modelIDPrefix = "models/"

var ErrUnknownModel = errors.New("unknown model")

//go:embed models.yaml
var defaultModelCatalog []byte

// ModelInfo describes a selectable model
type ModelInfo struct {
	ID          string `yaml:"id" json:"id" binding:"required"`
	Label       string `yaml:"label" json:"label" binding:"required"`
	Description string `yaml:"description" json:"description"`

	// Vision indicates the model accepts image input
	Vision bool `yaml:"vision" json:"vision"`
}

// ModelGroup is a named set of models, shown as the first step of
// the /model menu
type ModelGroup struct {
	Name   string      `yaml:"name" json:"name" binding:"required"`
	Models []ModelInfo `yaml:"models" json:"models" binding:"required,min=1,max=25,dive"`
}

// ModelCatalog is the set of models users can switch between
type ModelCatalog struct {
	ModelGroups []ModelGroup `yaml:"groups" json:"groups" binding:"required,min=1,max=25,dive"`
}

// LoadModelCatalog parses and validates a YAML model catalog
func LoadModelCatalog(data []byte) (*ModelCatalog, error) {
	var catalog ModelCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("error parsing model catalog: %w", err)
	}
	if err := structValidator.Struct(catalog); err != nil {
		return nil, fmt.Errorf("invalid model catalog: %w", err)
	}

	seen := map[string]string{}
	for _, g := range catalog.ModelGroups {
		for _, m := range g.Models {
			id := normalizeModelID(m.ID)
			if prev, ok := seen[id]; ok {
				return nil, fmt.Errorf(
					"invalid model catalog: model %q listed in both %q and %q",
					m.ID, prev, g.Name,
				)
			}
			seen[id] = g.Name
		}
	}
	return &catalog, nil
}

// LoadModelCatalogFile reads a catalog from the given path
func LoadModelCatalogFile(path string) (*ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading model catalog: %w", err)
	}
	return LoadModelCatalog(data)
}

// DefaultModelCatalog returns the built-in catalog
func DefaultModelCatalog() *ModelCatalog {
	catalog, err := LoadModelCatalog(defaultModelCatalog)
	if err != nil {
		panic(err)
	}
	return catalog
}

// Groups returns the catalog's groups, in their configured order
func (c *ModelCatalog) Groups() []ModelGroup {
	return c.ModelGroups
}

// Models returns the models in the named group
func (c *ModelCatalog) Models(group string) ([]ModelInfo, bool) {
	for _, g := range c.ModelGroups {
		if g.Name == group {
			return g.Models, true
		}
	}
	return nil, false
}

// Lookup finds a model by ID, with or without the "models/" prefix
func (c *ModelCatalog) Lookup(id string) (ModelInfo, bool) {
	id = normalizeModelID(id)
	for _, g := range c.ModelGroups {
		for _, m := range g.Models {
			if normalizeModelID(m.ID) == id {
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

func normalizeModelID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), modelIDPrefix)
}

// ModelSettings holds the process-wide active model. Every completion
// reads the active model at call time, so a change applies to all
// subsequent requests, in every channel and server.
type ModelSettings struct {
	catalog     *ModelCatalog
	active      string
	visionModel string
	mu          sync.RWMutex
	logger      *slog.Logger
}

func NewModelSettings(
	catalog *ModelCatalog,
	defaultModel string,
	visionModel string,
	logger *slog.Logger,
) *ModelSettings {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelSettings{
		catalog:     catalog,
		active:      normalizeModelID(defaultModel),
		visionModel: normalizeModelID(visionModel),
		logger:      logger,
	}
}

// Catalog returns the catalog models can be selected from
func (m *ModelSettings) Catalog() *ModelCatalog {
	return m.catalog
}

// Active returns the ID of the model currently used for completions
func (m *ModelSettings) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive switches the active model. The model must be in the catalog.
func (m *ModelSettings) SetActive(id string) (ModelInfo, error) {
	info, ok := m.catalog.Lookup(id)
	if !ok {
		return info, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}

	m.mu.Lock()
	previous := m.active
	m.active = normalizeModelID(info.ID)
	m.mu.Unlock()

	m.logger.Info(
		"active model changed",
		"previous", previous,
		"model", info.ID,
	)
	return info, nil
}

// ModelFor returns the model to use for a request. Requests with images
// use the vision model when the active model is known not to support
// image input. Models missing from the catalog are assumed to.
func (m *ModelSettings) ModelFor(withImages bool) string {
	active := m.Active()
	if !withImages || m.visionModel == "" {
		return active
	}
	if info, ok := m.catalog.Lookup(active); ok && !info.Vision {
		return m.visionModel
	}
	return active
}
