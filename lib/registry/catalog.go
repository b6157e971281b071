// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Command is one operation a module exposes.
type Command struct {
	// Name is the "/"-separated name clients use, such as
	// "storage/disks/list".
	Name string `yaml:"name" json:"name"`

	// Method is the handler identifier the worker dispatches on.
	// Defaults to the name with separators replaced by underscores.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// Anonymous commands may be invoked without authenticating.
	Anonymous bool `yaml:"anonymous,omitempty" json:"anonymous,omitempty"`

	// Input describes the expected options. Workers validate input;
	// the gateway only publishes this.
	Input map[string]string `yaml:"input,omitempty" json:"input,omitempty"`
}

// Module describes one unit of functionality served by a worker.
type Module struct {
	ID       string    `yaml:"id" json:"id"`
	Commands []Command `yaml:"commands" json:"commands"`

	// Flavors are named option bundles a client may request. The
	// empty flavor is always accepted.
	Flavors []string `yaml:"flavors,omitempty" json:"flavors,omitempty"`

	// Singleton modules run one worker shared by every session.
	Singleton bool `yaml:"singleton,omitempty" json:"singleton,omitempty"`

	// ProxyAddress routes the module to an existing endpoint instead
	// of a spawned worker: "unix:/path/to.sock" or an http(s) URL.
	ProxyAddress string `yaml:"proxy_address,omitempty" json:"proxy_address,omitempty"`

	// Executable and Args override the default worker command line.
	Executable string   `yaml:"executable,omitempty" json:"executable,omitempty"`
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// IsProxy reports whether the module is reached at a fixed address.
func (m *Module) IsProxy() bool { return m.ProxyAddress != "" }

// HasFlavor reports whether flavor is empty or declared.
func (m *Module) HasFlavor(flavor string) bool {
	return flavor == "" || slices.Contains(m.Flavors, flavor)
}

// ModuleSet restricts routing to the modules a caller may use.
type ModuleSet interface {
	HasModule(id string) bool
}

type route struct {
	module  *Module
	command *Command
}

// Catalog is a validated, immutable set of modules.
type Catalog struct {
	modules map[string]*Module
	order   []string
	routes  map[string]route
}

type catalogFile struct {
	Modules []Module `yaml:"modules" json:"modules"`
}

// Load reads and validates the catalogue file at path. Files ending in
// .json or .jsonc are parsed with ParseJSONC, anything else as YAML.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module catalogue: %w", err)
	}
	parse := Parse
	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		parse = ParseJSONC
	}
	catalog, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("module catalogue %s: %w", path, err)
	}
	return catalog, nil
}

// Parse decodes and validates catalogue YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	return New(file.Modules)
}

// ParseJSONC decodes and validates a JSON catalogue. Line and block
// comments and trailing commas are allowed.
func ParseJSONC(data []byte) (*Catalog, error) {
	var file catalogFile
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	return New(file.Modules)
}

var (
	moduleIDPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	commandSegment   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	methodIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	proxySchemes     = []string{"unix", "http", "https"}
)

// New validates modules and builds a catalogue. The input is copied.
func New(modules []Module) (*Catalog, error) {
	catalog := &Catalog{
		modules: make(map[string]*Module, len(modules)),
		routes:  make(map[string]route),
	}
	for index := range modules {
		module := cloneModule(modules[index])
		if err := validateModule(module); err != nil {
			return nil, err
		}
		if _, exists := catalog.modules[module.ID]; exists {
			return nil, fmt.Errorf("module %q defined more than once", module.ID)
		}
		catalog.modules[module.ID] = module
		catalog.order = append(catalog.order, module.ID)

		for commandIndex := range module.Commands {
			command := &module.Commands[commandIndex]
			if existing, taken := catalog.routes[command.Name]; taken {
				return nil, fmt.Errorf("command %q is defined by both module %q and module %q",
					command.Name, existing.module.ID, module.ID)
			}
			catalog.routes[command.Name] = route{module: module, command: command}
		}
	}
	return catalog, nil
}

func validateModule(module *Module) error {
	if !moduleIDPattern.MatchString(module.ID) {
		return fmt.Errorf("invalid module id %q", module.ID)
	}
	if len(module.Commands) == 0 {
		return fmt.Errorf("module %q has no commands", module.ID)
	}
	if module.IsProxy() {
		if module.Executable != "" || len(module.Args) > 0 {
			return fmt.Errorf("module %q: proxy modules cannot set executable or args", module.ID)
		}
		if _, err := ParseProxyAddress(module.ProxyAddress); err != nil {
			return fmt.Errorf("module %q: %w", module.ID, err)
		}
	}
	for _, flavor := range module.Flavors {
		if flavor == "" {
			return fmt.Errorf("module %q: empty flavor name", module.ID)
		}
	}
	seen := make(map[string]bool, len(module.Commands))
	for index := range module.Commands {
		command := &module.Commands[index]
		if err := validateCommandName(command.Name); err != nil {
			return fmt.Errorf("module %q: %w", module.ID, err)
		}
		if seen[command.Name] {
			return fmt.Errorf("module %q: command %q listed twice", module.ID, command.Name)
		}
		seen[command.Name] = true
		if command.Method == "" {
			command.Method = defaultMethod(command.Name)
		}
		if !methodIdentifier.MatchString(command.Method) {
			return fmt.Errorf("module %q: command %q: method %q is not a valid identifier",
				module.ID, command.Name, command.Method)
		}
	}
	return nil
}

func validateCommandName(name string) error {
	if name == "" {
		return fmt.Errorf("empty command name")
	}
	for _, segment := range strings.Split(name, "/") {
		if !commandSegment.MatchString(segment) {
			return fmt.Errorf("invalid command name %q", name)
		}
	}
	return nil
}

func defaultMethod(name string) string {
	return strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
}

// ParseProxyAddress validates a proxy module address.
func ParseProxyAddress(address string) (*url.URL, error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", address, err)
	}
	if !slices.Contains(proxySchemes, parsed.Scheme) {
		return nil, fmt.Errorf("proxy address %q: scheme must be one of %v", address, proxySchemes)
	}
	if parsed.Scheme == "unix" {
		if parsed.Opaque == "" && parsed.Path == "" {
			return nil, fmt.Errorf("proxy address %q: missing socket path", address)
		}
		return parsed, nil
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("proxy address %q: missing host", address)
	}
	return parsed, nil
}

func cloneModule(module Module) *Module {
	module.Commands = slices.Clone(module.Commands)
	module.Flavors = slices.Clone(module.Flavors)
	module.Args = slices.Clone(module.Args)
	return &module
}

// Lookup returns the module and command definition for a command name.
func (c *Catalog) Lookup(command string) (*Module, *Command, bool) {
	r, ok := c.routes[command]
	if !ok {
		return nil, nil, false
	}
	return r.module, r.command, true
}

// ModuleForCommand resolves command to its module when permitted
// allows that module. A nil permitted set allows every module.
func (c *Catalog) ModuleForCommand(permitted ModuleSet, command string) (string, bool) {
	r, ok := c.routes[command]
	if !ok {
		return "", false
	}
	if permitted != nil && !permitted.HasModule(r.module.ID) {
		return "", false
	}
	return r.module.ID, true
}

// MethodFor returns the worker method implementing command in module.
func (c *Catalog) MethodFor(moduleID, command string) (string, bool) {
	r, ok := c.routes[command]
	if !ok || r.module.ID != moduleID {
		return "", false
	}
	return r.command.Method, true
}

// IsSingleton reports whether moduleID runs a shared worker.
func (c *Catalog) IsSingleton(moduleID string) bool {
	module, ok := c.modules[moduleID]
	return ok && module.Singleton
}

// ProxyAddress returns the fixed address of a proxy module.
func (c *Catalog) ProxyAddress(moduleID string) (string, bool) {
	module, ok := c.modules[moduleID]
	if !ok || !module.IsProxy() {
		return "", false
	}
	return module.ProxyAddress, true
}

// Module returns the descriptor for moduleID.
func (c *Catalog) Module(moduleID string) (*Module, bool) {
	module, ok := c.modules[moduleID]
	return module, ok
}

// Modules returns every module in file order.
func (c *Catalog) Modules() []*Module {
	out := make([]*Module, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.modules[id])
	}
	return out
}

// AnonymousCommands returns module id → command names reachable
// without authentication.
func (c *Catalog) AnonymousCommands() map[string][]string {
	out := make(map[string][]string)
	for _, id := range c.order {
		for _, command := range c.modules[id].Commands {
			if command.Anonymous {
				out[id] = append(out[id], command.Name)
			}
		}
	}
	return out
}
