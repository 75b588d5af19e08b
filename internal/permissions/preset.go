package permissions

import (
	"fmt"
	"strings"
)

// Preset is a named permission bundle. Users select presets by name when
// creating agents; presets may extend other presets, overriding only the
// fields they set.
type Preset struct {
	// Name identifies the preset.
	Name string `json:"name" yaml:"name"`

	// Level is the trust grade agents resolved from this preset run at.
	Level Level `json:"level" yaml:"level"`

	// Description is shown in listings.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Extends names a parent preset whose fields this one starts from.
	Extends string `json:"extends,omitempty" yaml:"extends,omitempty"`

	// AllowedPaths seeds the policy sandbox scope.
	AllowedPaths PathScope `json:"allowed_paths" yaml:"allowed_paths"`

	// BlockedPaths seeds the policy blocklist.
	BlockedPaths []string `json:"blocked_paths,omitempty" yaml:"blocked_paths,omitempty"`

	// NetworkAccess gates network-reaching tools. Nil inherits from the
	// extended preset and defaults to false.
	NetworkAccess *bool `json:"network_access,omitempty" yaml:"network_access,omitempty"`

	// ToolPermissions are per-tool overrides baked into the preset.
	ToolPermissions map[string]ToolPermission `json:"tool_permissions,omitempty" yaml:"tool_permissions,omitempty"`

	// DefaultToolTimeoutSeconds overrides the session's tool timeout for
	// agents resolved from this preset. Zero keeps the session default.
	DefaultToolTimeoutSeconds float64 `json:"default_tool_timeout,omitempty" yaml:"default_tool_timeout,omitempty"`
}

// Clone returns an independent copy of the preset.
func (p Preset) Clone() Preset {
	out := p
	out.AllowedPaths = p.AllowedPaths.Clone()
	out.BlockedPaths = append([]string(nil), p.BlockedPaths...)
	out.ToolPermissions = cloneToolPermissions(p.ToolPermissions)
	if p.NetworkAccess != nil {
		v := *p.NetworkAccess
		out.NetworkAccess = &v
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

// BuiltinPresets returns the three presets that exist without any
// configuration: yolo, trusted, and sandboxed.
func BuiltinPresets() map[string]Preset {
	return map[string]Preset{
		"yolo": {
			Name:          "yolo",
			Level:         LevelYolo,
			Description:   "Full access without confirmation prompts.",
			NetworkAccess: boolPtr(true),
		},
		"trusted": {
			Name:          "trusted",
			Level:         LevelTrusted,
			Description:   "Read anywhere; confirm destructive actions outside the working directory.",
			NetworkAccess: boolPtr(true),
		},
		"sandboxed": {
			Name:         "sandboxed",
			Level:        LevelSandboxed,
			Description:  "Confined to the working directory; no execution or agent management.",
			AllowedPaths: DenyAllPaths(),
		},
	}
}

// ResolvePreset materializes the named preset into agent permissions,
// following extends chains through user presets and the builtins.
//
// For SANDBOXED presets a non-empty cwd replaces the allowed paths with
// exactly that directory and freezes the policy, so no later delta can
// widen the sandbox.
func ResolvePreset(name, cwd string, userPresets map[string]Preset) (*AgentPermissions, error) {
	preset, err := flattenPreset(name, userPresets, nil)
	if err != nil {
		return nil, err
	}
	if !preset.Level.Valid() {
		return nil, fmt.Errorf("preset %q does not resolve to a permission level", name)
	}

	policy := Policy{
		Level:         preset.Level,
		AllowedPaths:  preset.AllowedPaths.Clone(),
		BlockedPaths:  append([]string(nil), preset.BlockedPaths...),
		Cwd:           cwd,
		NetworkAccess: preset.NetworkAccess != nil && *preset.NetworkAccess,
	}
	if preset.Level == LevelSandboxed && cwd != "" {
		policy.AllowedPaths = OnlyPaths(cwd)
		policy.Frozen = true
	}

	return &AgentPermissions{
		BasePreset:                name,
		Policy:                    policy,
		ToolPermissions:           cloneToolPermissions(preset.ToolPermissions),
		Allowances:                NewSessionAllowances(),
		DefaultToolTimeoutSeconds: preset.DefaultToolTimeoutSeconds,
	}, nil
}

// flattenPreset looks up a preset by name and folds its extends chain into
// a single effective preset. User presets shadow builtins of the same name.
func flattenPreset(name string, userPresets map[string]Preset, seen []string) (Preset, error) {
	for _, visited := range seen {
		if visited == name {
			return Preset{}, fmt.Errorf("preset extends cycle: %s", strings.Join(append(seen, name), " -> "))
		}
	}

	preset, ok := userPresets[name]
	if !ok {
		preset, ok = BuiltinPresets()[name]
	}
	if !ok {
		return Preset{}, fmt.Errorf("unknown permission preset %q", name)
	}
	preset = preset.Clone()
	if preset.Name == "" {
		preset.Name = name
	}
	if preset.Extends == "" {
		return preset, nil
	}

	base, err := flattenPreset(preset.Extends, userPresets, append(seen, name))
	if err != nil {
		return Preset{}, err
	}
	return mergePresets(base, preset), nil
}

// mergePresets overlays child on base. Scalars set in the child win; tool
// permissions merge per tool; blocked paths accumulate.
func mergePresets(base, child Preset) Preset {
	out := base.Clone()
	out.Name = child.Name
	out.Extends = child.Extends
	if child.Level != LevelUnspecified {
		out.Level = child.Level
	}
	if child.Description != "" {
		out.Description = child.Description
	}
	if child.AllowedPaths.IsRestricted() {
		out.AllowedPaths = child.AllowedPaths.Clone()
	}
	out.BlockedPaths = append(out.BlockedPaths, child.BlockedPaths...)
	if child.NetworkAccess != nil {
		v := *child.NetworkAccess
		out.NetworkAccess = &v
	}
	if child.DefaultToolTimeoutSeconds != 0 {
		out.DefaultToolTimeoutSeconds = child.DefaultToolTimeoutSeconds
	}
	if len(child.ToolPermissions) > 0 {
		if out.ToolPermissions == nil {
			out.ToolPermissions = make(map[string]ToolPermission, len(child.ToolPermissions))
		}
		for tool, tp := range child.ToolPermissions {
			out.ToolPermissions[tool] = tp.Clone()
		}
	}
	return out
}
