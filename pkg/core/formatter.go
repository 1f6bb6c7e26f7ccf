package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FormatMetadata formats activity metadata into an indented key/value block.
func FormatMetadata(md Metadata) string {
	if md == nil {
		return ""
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("\n  Metadata:")
	for _, key := range keys {
		valueStr := fmt.Sprintf("%v", fields[key])
		if len(valueStr) > 100 {
			valueStr = valueStr[:97] + "..."
		}
		fmt.Fprintf(&b, "\n    %s: %s", key, valueStr)
	}
	return b.String()
}

// Summary renders a one-line human description of an event.
func Summary(e ActivityEvent) string {
	who := e.Username
	if who == "" {
		who = "someone"
	}
	target := e.TargetName
	if target == "" {
		target = e.TargetID
	}

	switch md := e.Metadata.(type) {
	case ExtensionAdded:
		return fmt.Sprintf("%s added extension %s%s", who, target, version(md.Version))
	case MCPAdded:
		return fmt.Sprintf("%s added MCP server %s%s", who, target, version(md.Version))
	case RatingAdded:
		return fmt.Sprintf("%s rated %s %g/5", who, target, md.Rating)
	case ReviewAdded:
		review := md.Review
		if len(review) > 60 {
			review = review[:57] + "..."
		}
		return fmt.Sprintf("%s reviewed %s: %q", who, target, review)
	case Download:
		if md.Count > 1 {
			return fmt.Sprintf("%s downloaded %d times%s", target, md.Count, version(md.Version))
		}
		return fmt.Sprintf("%s downloaded %s%s", who, target, version(md.Version))
	case UserJoined:
		return fmt.Sprintf("%s joined", who)
	case MilestoneReached:
		if md.Value != 0 {
			return fmt.Sprintf("%s reached %s (%g)", target, md.Milestone, md.Value)
		}
		return fmt.Sprintf("%s reached %s", target, md.Milestone)
	}
	return fmt.Sprintf("%s: %s %s", e.Type, who, target)
}

func version(v string) string {
	if v == "" {
		return ""
	}
	return " v" + strings.TrimPrefix(v, "v")
}
