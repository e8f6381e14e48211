package stream

import "strings"

// toolVerbs maps known tool names to the human progress verb shown while
// the tool runs.
var toolVerbs = map[string]string{
	"bash":      "Running command...",
	"read":      "Reading file...",
	"write":     "Writing file...",
	"edit":      "Editing file...",
	"grep":      "Searching...",
	"glob":      "Scanning files...",
	"list":      "Listing files...",
	"webfetch":  "Fetching page...",
	"websearch": "Searching the web...",
	"task":      "Delegating...",
	"todowrite": "Updating plan...",
	"todoread":  "Checking plan...",
	"patch":     "Applying patch...",
}

// remoteToolPrefix marks namespaced tools proxied through the remote service.
const remoteToolPrefix = "mcp_"

// toolVerb returns the progress verb for a tool name. Unknown remote-
// namespaced tools get a distinct fallback from plain unknown tools.
func toolVerb(name string) string {
	if v, ok := toolVerbs[strings.ToLower(name)]; ok {
		return v
	}
	if strings.HasPrefix(strings.ToLower(name), remoteToolPrefix) {
		return "Running remote tool..."
	}
	return "Running tool..."
}
