package funcall

import (
	"strings"

	"github.com/nugget/mcphost/internal/mcp"
)

const noDescription = "No description provided"

// BuildSystemPrompt describes the available tools and resources for
// inclusion in an LLM system prompt. Tool names are shown the way
// Declarations renders them under the same encodeNames setting.
func BuildSystemPrompt(caps mcp.ServerCapabilities, encodeNames bool) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools and resources through the Model Context Protocol. ")
	b.WriteString("Use the function calling capability to invoke tools; do not describe function calls in your text response.\n\n")

	if len(caps.Tools) > 0 {
		b.WriteString("## Available Tools\n\n")
		for _, t := range caps.Tools {
			name := t.Name
			if encodeNames {
				name = EncodeName(name)
			}
			writeItem(&b, name, t.Description)
		}
		b.WriteString("\n")
	}

	if len(caps.Resources) > 0 {
		b.WriteString("## Available Resources\n\n")
		for _, r := range caps.Resources {
			writeItem(&b, r.Name, r.Description)
		}
		b.WriteString("\n")
	}

	if hasToolSuffix(caps, "store_memory") {
		b.WriteString("## Memory Storage\n\n")
		b.WriteString("A persistent memory store is available. When the user wants something remembered, store it and say that you did.\n\n")
	}
	if hasToolSuffix(caps, "retrieve_memory", "get_relevant_memories") {
		b.WriteString("## Memory Retrieval\n\n")
		b.WriteString("When the user asks about something you may have stored earlier, check your memory first.\n\n")
	}

	if len(caps.Tools) == 0 && len(caps.Resources) == 0 {
		b.WriteString("No tools are currently available.\n")
	}
	return b.String()
}

func writeItem(b *strings.Builder, name, desc string) {
	if desc == "" {
		desc = noDescription
	}
	b.WriteString("* **")
	b.WriteString(name)
	b.WriteString("**: ")
	b.WriteString(desc)
	b.WriteString("\n")
}

func hasToolSuffix(caps mcp.ServerCapabilities, suffixes ...string) bool {
	for _, t := range caps.Tools {
		for _, s := range suffixes {
			if strings.HasSuffix(t.Name, "/"+s) {
				return true
			}
		}
	}
	return false
}
