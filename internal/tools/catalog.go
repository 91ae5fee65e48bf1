package tools

import (
	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
)

// Descriptor describes one tool exposed by the tool server.
type Descriptor struct {
	Name             string         `json:"name"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	InputSchema      map[string]any `json:"input_schema,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Annotations      map[string]any `json:"annotations,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	Destructive      bool           `json:"destructive"`
}

func descriptorFromTool(t mcp.Tool) Descriptor {
	inputSchema := map[string]any{}
	if buf, err := sonic.Marshal(t.InputSchema); err == nil {
		_ = sonic.Unmarshal(buf, &inputSchema)
	}

	title := t.Annotations.Title
	if title == "" {
		title = t.Name
	}

	destructive := t.Annotations.DestructiveHint != nil && *t.Annotations.DestructiveHint

	d := Descriptor{
		Name:        t.Name,
		Title:       title,
		Description: t.Description,
		InputSchema: inputSchema,
		Tags:        toolTags(t),
		Annotations: map[string]any{
			"title":           title,
			"readOnlyHint":    t.Annotations.ReadOnlyHint,
			"destructiveHint": t.Annotations.DestructiveHint,
			"idempotentHint":  t.Annotations.IdempotentHint,
			"openWorldHint":   t.Annotations.OpenWorldHint,
		},
		Destructive: destructive,
	}

	d.RequiresApproval = metaBool(t, "requires_approval") || destructive
	if d.RequiresApproval {
		d.Annotations["requires_approval"] = true
	}

	return d
}

// toolTags reads the tag set the tool server attaches under the `_fastmcp`
// meta key.
func toolTags(t mcp.Tool) []string {
	fastmcp, ok := metaField(t, "_fastmcp").(map[string]any)
	if !ok {
		return nil
	}

	raw, ok := fastmcp["tags"].([]any)
	if !ok {
		return nil
	}

	var tags []string
	for _, tag := range raw {
		if s, ok := tag.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

func metaField(t mcp.Tool, key string) any {
	if t.Meta == nil || t.Meta.AdditionalFields == nil {
		return nil
	}
	return t.Meta.AdditionalFields[key]
}

func metaBool(t mcp.Tool, key string) bool {
	v, ok := metaField(t, key).(bool)
	return ok && v
}

// actionResourceTypes maps an `action` hint to the resource_type it implies.
// Only consulted for get_resources calls with no explicit resource_type.
var actionResourceTypes = map[string]string{
	"get_pods":        "pod",
	"get_deployments": "deployment",
	"get_services":    "service",
	"get_namespaces":  "namespace",
	"get_nodes":       "node",
}

// coerceArguments fills in arguments an action hint implies. It works on a
// copy; caller inputs are never mutated.
func coerceArguments(name string, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	if name != "get_resources" {
		return out
	}

	action, _ := out["action"].(string)
	if action == "" {
		return out
	}

	if resourceType, ok := actionResourceTypes[action]; ok {
		if _, set := out["resource_type"]; !set {
			out["resource_type"] = resourceType
		}
	}

	return out
}
